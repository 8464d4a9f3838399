// molangcomplete/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events (e.g., configuration changes).
package molangcomplete

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration handles configuration changes from the client.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	logger.Info("Handling workspace/didChangeConfiguration")
	s.applySettings(params.Settings, logger)
	return nil, nil
}

// decodeSettings reads client settings either nested under the
// "molangcomplete" section or sent flat.
func decodeSettings(raw json.RawMessage) (FileConfig, error) {
	var nested struct {
		Section *FileConfig `json:"molangcomplete"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return FileConfig{}, err
	}
	if nested.Section != nil {
		return *nested.Section, nil
	}
	var flat FileConfig
	if err := json.Unmarshal(raw, &flat); err != nil {
		return FileConfig{}, err
	}
	return flat, nil
}

// applySettings merges client settings over the current config and applies them.
func (s *Server) applySettings(raw json.RawMessage, logger *slog.Logger) {
	fileCfg, err := decodeSettings(raw)
	if err != nil {
		logger.Error("Failed to unmarshal client settings", "error", err, "raw_settings", string(raw))
		return
	}

	newConfig := s.service.GetCurrentConfig()
	mergedFields := newConfig.merge(fileCfg)
	if mergedFields == 0 {
		logger.Debug("No relevant configuration changes found in client settings")
		return
	}

	logger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
	if err := s.service.UpdateConfig(newConfig); err != nil {
		logger.Error("Failed to apply updated configuration", "error", err)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return
	}

	applied := s.service.GetCurrentConfig()
	if s.levelVar != nil {
		if level, parseErr := ParseLogLevel(applied.LogLevel); parseErr == nil {
			s.levelVar.Set(level)
			logger.Info("Server log level updated", "new_level", level)
		}
	}
	if err := s.service.SchemaLoadError(); err != nil && fileCfg.SchemaPath != nil {
		s.sendShowMessage(MessageTypeWarning, fmt.Sprintf("MoLang schema could not be loaded: %v", err))
	}
	logger.Info("Server configuration updated successfully")
}
