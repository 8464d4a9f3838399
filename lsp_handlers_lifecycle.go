// molangcomplete/lsp_handlers_lifecycle.go
// Contains LSP method handlers related to the server lifecycle (initialize, initialized, shutdown, exit).
package molangcomplete

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Lifecycle Method Handlers
// ============================================================================

// handleInitialize handles the 'initialize' request.
// It stores client capabilities, opens the workspace and returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	clientName, clientVersion := "", ""
	if params.ClientInfo != nil {
		clientName, clientVersion = params.ClientInfo.Name, params.ClientInfo.Version
	}
	logger.Info("Handling initialize request", "client_name", clientName, "client_version", clientVersion)

	s.clientCaps = params.Capabilities
	s.initParams = &params

	if len(params.InitializationOptions) > 0 {
		s.applySettings(params.InitializationOptions, logger)
	}

	if root := s.workspaceRootFromParams(params, logger); root != "" {
		s.workspaceWG.Add(1)
		go func() {
			defer s.workspaceWG.Done()
			// Outlives the initialize request; Service.Close cancels it.
			if err := s.service.OpenWorkspace(context.Background(), root); err != nil {
				logger.Warn("Failed to open workspace", "root", root, "error", err)
			}
		}()
	} else {
		logger.Info("No workspace root provided, workspace features limited to open documents")
	}

	result := InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync: &TextDocumentSyncOptions{
				OpenClose: true,
				Change:    TextDocumentSyncKindFull,
			},
			CompletionProvider: &CompletionOptions{TriggerCharacters: []string{"."}},
			HoverProvider:      true,
			DefinitionProvider: true,
		},
		ServerInfo: s.serverInfo,
	}
	logger.Info("Initialization successful", "server_capabilities", result.Capabilities)
	return result, nil
}

func (s *Server) workspaceRootFromParams(params InitializeParams, logger *slog.Logger) string {
	candidates := []DocumentURI{params.RootURI}
	for _, folder := range params.WorkspaceFolders {
		candidates = append(candidates, folder.URI)
	}
	for _, uri := range candidates {
		if uri == "" {
			continue
		}
		path, err := ValidateAndGetFilePath(string(uri), logger)
		if err != nil {
			logger.Warn("Ignoring unusable workspace URI", "uri", uri, "error", err)
			continue
		}
		return path
	}
	return ""
}

// handleInitialized handles the 'initialized' notification and reports a
// schema that failed to load, since every schema feature is disabled then.
func (s *Server) handleInitialized(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Client initialized notification received")
	if err := s.service.SchemaLoadError(); err != nil {
		logger.Warn("Schema unavailable for this session", "error", err)
		s.sendShowMessage(MessageTypeWarning, fmt.Sprintf("MoLang schema could not be loaded, completion and hover are disabled: %v", err))
	}
	return nil, nil
}

// handleShutdown handles the 'shutdown' request.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	return nil, nil
}

// handleExit handles the 'exit' notification.
// Closing the connection ends the Run loop.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification")
	if s.conn != nil {
		s.conn.Close()
	}
	return nil, nil
}
