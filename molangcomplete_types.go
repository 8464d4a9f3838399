// molangcomplete/molangcomplete_types.go
// Contains configuration and cache type definitions used throughout the molangcomplete package.
package molangcomplete

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultLogLevel           = "info"            // Default log level.
	defaultMemoryCacheTTLSecs = 600               // Default TTL for composed member maps (10 minutes).
	defaultMaxIndexFiles      = 2000              // Upper bound on .molang files indexed per workspace.
	defaultConfigFileName     = "config.json"     // Default config file name.
	configDirName             = "molangcomplete"  // Subdirectory name for config/data.
	cacheSchemaVersion        = 1                 // Used to invalidate the index cache if internal formats change.
	molangFileExt             = ".molang"         // Extension of MoLang script files.
	defaultServerName         = "MoLang Complete" // Reported in initialize responses.
)

// Config holds the active configuration for the MoLang language service.
type Config struct {
	SchemaPath            string        `json:"schema_path"`              // Schema resource; empty selects the built-in schema.
	LogLevel              string        `json:"log_level"`                // Log level (debug, info, warn, error).
	MemoryCacheEnabled    bool          `json:"memory_cache_enabled"`     // Memoize composed member maps.
	MemoryCacheTTLSeconds int           `json:"memory_cache_ttl_seconds"` // TTL for memoized member maps.
	IndexEnabled          bool          `json:"index_enabled"`            // Index fn('...') definitions across the workspace.
	IndexWatch            bool          `json:"index_watch"`              // Keep the index fresh with file system notifications.
	MaxIndexFiles         int           `json:"max_index_files"`          // Upper bound on indexed files.
	SnippetSupport        bool          `json:"snippet_support"`          // Allow snippet insert text when the client supports it.
	MemoryCacheTTL        time.Duration `json:"-"`                        // Derived duration, not from file.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Pointer fields distinguish "absent" from zero values when merging.
type FileConfig struct {
	SchemaPath            *string `json:"schema_path"`
	LogLevel              *string `json:"log_level"`
	MemoryCacheEnabled    *bool   `json:"memory_cache_enabled"`
	MemoryCacheTTLSeconds *int    `json:"memory_cache_ttl_seconds"`
	IndexEnabled          *bool   `json:"index_enabled"`
	IndexWatch            *bool   `json:"index_watch"`
	MaxIndexFiles         *int    `json:"max_index_files"`
	SnippetSupport        *bool   `json:"snippet_support"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		SchemaPath:            "",
		LogLevel:              defaultLogLevel,
		MemoryCacheEnabled:    true,
		MemoryCacheTTLSeconds: defaultMemoryCacheTTLSecs,
		IndexEnabled:          true,
		IndexWatch:            true,
		MaxIndexFiles:         defaultMaxIndexFiles,
		SnippetSupport:        true,
		MemoryCacheTTL:        time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return getDefaultConfig()
}

// Validate checks configuration values, applying defaults where a value is unusable.
// Returns an error wrapping ErrInvalidConfig for values that cannot be defaulted silently.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if c.SchemaPath != "" {
		c.SchemaPath = strings.TrimSpace(c.SchemaPath)
		info, err := os.Stat(c.SchemaPath)
		switch {
		case err != nil:
			validationErrors = append(validationErrors, fmt.Errorf("schema_path %q is not readable: %w", c.SchemaPath, err))
		case info.IsDir():
			validationErrors = append(validationErrors, fmt.Errorf("schema_path %q is a directory", c.SchemaPath))
		}
	}
	if c.MemoryCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: memory_cache_ttl_seconds is not positive, applying default.", "configured_value", c.MemoryCacheTTLSeconds, "default", tempDefault.MemoryCacheTTLSeconds)
		c.MemoryCacheTTLSeconds = tempDefault.MemoryCacheTTLSeconds
	}
	c.MemoryCacheTTL = time.Duration(c.MemoryCacheTTLSeconds) * time.Second

	if c.MaxIndexFiles <= 0 {
		logger.Warn("Config validation: max_index_files is not positive, applying default.", "configured_value", c.MaxIndexFiles, "default", tempDefault.MaxIndexFiles)
		c.MaxIndexFiles = tempDefault.MaxIndexFiles
	}

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// merge applies every field present in fc onto c and reports how many fields were set.
func (c *Config) merge(fc FileConfig) int {
	merged := 0
	if fc.SchemaPath != nil {
		c.SchemaPath = *fc.SchemaPath
		merged++
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
		merged++
	}
	if fc.MemoryCacheEnabled != nil {
		c.MemoryCacheEnabled = *fc.MemoryCacheEnabled
		merged++
	}
	if fc.MemoryCacheTTLSeconds != nil {
		c.MemoryCacheTTLSeconds = *fc.MemoryCacheTTLSeconds
		merged++
	}
	if fc.IndexEnabled != nil {
		c.IndexEnabled = *fc.IndexEnabled
		merged++
	}
	if fc.IndexWatch != nil {
		c.IndexWatch = *fc.IndexWatch
		merged++
	}
	if fc.MaxIndexFiles != nil {
		c.MaxIndexFiles = *fc.MaxIndexFiles
		merged++
	}
	if fc.SnippetSupport != nil {
		c.SnippetSupport = *fc.SnippetSupport
		merged++
	}
	return merged
}

// =============================================================================
// Workspace Index Types
// =============================================================================

// FunctionDefinition locates one fn('name', ...) definition in a MoLang file.
type FunctionDefinition struct {
	Name      string // Function name as written inside fn('...').
	Path      string // Absolute file path.
	Offset    int    // 0-based byte offset of the fn keyword.
	Line      uint32 // 0-based LSP line.
	Character uint32 // 0-based LSP character (UTF-16).
}

// CachedIndexEntry is the gob-encoded value stored per file in the bbolt index cache.
type CachedIndexEntry struct {
	SchemaVersion int                  // Version of the cache structure itself.
	ContentHash   string               // SHA-256 of the file content when cached.
	Definitions   []FunctionDefinition // Definitions found in the file.
}
