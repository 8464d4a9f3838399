// molangcomplete/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and language features
// (didOpen, didChange, didClose, completion, hover, definition).
package molangcomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Text Document Method Handlers
// ============================================================================

// handleDidOpen handles the 'textDocument/didOpen' notification.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	content := []byte(params.TextDocument.Text)
	openLogger := logger.With("uri", uri, "version", version, "size", len(content))
	openLogger.Info("Handling textDocument/didOpen")

	s.filesMu.Lock()
	s.files[uri] = &OpenFile{
		URI:     uri,
		Path:    s.documentPath(uri, openLogger),
		Content: content,
		Version: version,
	}
	s.filesMu.Unlock()
	return nil, nil
}

// documentPath maps a document URI to a file path; non-file documents get
// an empty path and rely on content inference only.
func (s *Server) documentPath(uri DocumentURI, logger *slog.Logger) string {
	path, err := ValidateAndGetFilePath(string(uri), logger)
	if err != nil {
		logger.Debug("Document has no usable file path", "error", err)
		return ""
	}
	return path
}

// handleDidChange handles the 'textDocument/didChange' notification (Full sync only).
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newContent := []byte(params.ContentChanges[len(params.ContentChanges)-1].Text)
	changeLogger.Info("Handling textDocument/didChange", "new_size", len(newContent))

	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	currentFile, exists := s.files[uri]
	if exists && version <= currentFile.Version {
		changeLogger.Warn("Ignoring out-of-order didChange notification", "received_version", version, "current_version", currentFile.Version)
		return nil, nil
	}
	path := ""
	if exists {
		path = currentFile.Path
	} else {
		path = s.documentPath(uri, changeLogger)
	}
	s.files[uri] = &OpenFile{
		URI:     uri,
		Path:    path,
		Content: newContent,
		Version: version,
	}
	changeLogger.Debug("Updated file cache")
	return nil, nil
}

// handleDidClose handles the 'textDocument/didClose' notification.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	logger.Info("Handling textDocument/didClose", "uri", uri)

	s.filesMu.Lock()
	delete(s.files, uri)
	s.filesMu.Unlock()
	return nil, nil
}

// cancelledError maps context cancellation to the LSP error code.
func cancelledError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	}
	return nil
}

func (s *Server) clientSupportsSnippets() bool {
	tdc := s.clientCaps.TextDocument
	return tdc != nil && tdc.Completion != nil && tdc.Completion.CompletionItem != nil && tdc.Completion.CompletionItem.SnippetSupport
}

func (s *Server) clientSupportsMarkdownHover() bool {
	tdc := s.clientCaps.TextDocument
	return tdc != nil && tdc.Hover != nil && slices.Contains(tdc.Hover.ContentFormat, MarkupKindMarkdown)
}

// handleCompletion returns schema-driven completions for the cursor position.
func (s *Server) handleCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CompletionParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	lspPos := params.Position
	completionLogger := logger.With("uri", uri, "lsp_line", lspPos.Line, "lsp_char", lspPos.Character)
	completionLogger.Info("Handling textDocument/completion")

	empty := CompletionList{IsIncomplete: false, Items: []CompletionItem{}}
	file, ok := s.openFile(uri)
	if !ok {
		completionLogger.Warn("Completion request for unknown file")
		return nil, fmt.Errorf("document not open: %s", uri)
	}

	_, _, offset, posErr := LspPositionToBytePosition(file.Content, lspPos, completionLogger)
	if posErr != nil {
		completionLogger.Error("Failed to convert LSP position to byte position", "error", posErr)
		return empty, nil
	}

	items, err := s.service.Complete(ctx, file.Path, string(file.Content), offset, s.clientSupportsSnippets())
	if err != nil {
		if rpcErr := cancelledError(err); rpcErr != nil {
			completionLogger.Info("Completion request cancelled")
			return nil, rpcErr
		}
		completionLogger.Error("Completion failed", "error", err)
		return empty, nil
	}
	if items == nil {
		items = []CompletionItem{}
	}
	completionLogger.Info("Completion successful", "items", len(items))
	return CompletionList{IsIncomplete: false, Items: items}, nil
}

// handleHover returns documentation for the chain or keyword under the cursor.
func (s *Server) handleHover(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params HoverParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	lspPos := params.Position
	hoverLogger := logger.With("uri", uri, "lsp_line", lspPos.Line, "lsp_char", lspPos.Character)
	hoverLogger.Info("Handling textDocument/hover")

	file, ok := s.openFile(uri)
	if !ok {
		hoverLogger.Warn("Hover request for unknown file")
		return nil, fmt.Errorf("document not open: %s", uri)
	}

	_, _, offset, posErr := LspPositionToBytePosition(file.Content, lspPos, hoverLogger)
	if posErr != nil {
		hoverLogger.Error("Failed to convert LSP position to byte position", "error", posErr)
		return nil, nil
	}

	info, err := s.service.Hover(ctx, file.Path, string(file.Content), offset, s.clientSupportsMarkdownHover())
	if err != nil {
		if rpcErr := cancelledError(err); rpcErr != nil {
			return nil, rpcErr
		}
		hoverLogger.Error("Hover failed", "error", err)
		return nil, nil
	}
	if info == nil {
		hoverLogger.Debug("Nothing to document at cursor")
		return nil, nil
	}

	result := HoverResult{Contents: MarkupContent{Kind: info.Kind, Value: info.Contents}}
	if lspRange, rangeErr := byteRangeToLSPRange(file.Content, info.Start, info.End, hoverLogger); rangeErr == nil {
		result.Range = lspRange
	} else {
		hoverLogger.Warn("Could not determine range for hover", "error", rangeErr)
	}
	hoverLogger.Info("Hover information generated successfully", "markup", info.Kind)
	return result, nil
}

// handleDefinition resolves f.name calls and import('ns:path') targets.
func (s *Server) handleDefinition(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DefinitionParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	lspPos := params.Position
	defLogger := logger.With("uri", uri, "lsp_line", lspPos.Line, "lsp_char", lspPos.Character)
	defLogger.Info("Handling textDocument/definition")

	file, ok := s.openFile(uri)
	if !ok {
		defLogger.Warn("Definition request for unknown file")
		return nil, fmt.Errorf("document not open: %s", uri)
	}

	_, _, offset, posErr := LspPositionToBytePosition(file.Content, lspPos, defLogger)
	if posErr != nil {
		defLogger.Error("Failed to convert LSP position to byte position", "error", posErr)
		return nil, nil
	}

	locations, err := s.service.Definition(ctx, file.Path, string(file.Content), offset)
	if err != nil {
		if rpcErr := cancelledError(err); rpcErr != nil {
			return nil, rpcErr
		}
		defLogger.Error("Definition lookup failed", "error", err)
		return nil, nil
	}
	if len(locations) == 0 {
		defLogger.Debug("No definition found")
		return nil, nil
	}
	// Definitions in the open document carry the client's URI.
	for i := range locations {
		if locations[i].URI == "" || (file.Path != "" && locations[i].URI == PathToURI(file.Path)) {
			locations[i].URI = uri
		}
	}
	defLogger.Info("Definition found", "locations", len(locations))
	return locations, nil
}
