// molangcomplete/molangcomplete_utils.go
package molangcomplete

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"go.etcd.io/bbolt"
)

// ============================================================================
// Terminal Output
// ============================================================================

var (
	ColorHeading = color.New(color.FgCyan, color.Bold)
	ColorName    = color.New(color.FgGreen)
	ColorType    = color.New(color.FgYellow)
	ColorMuted   = color.New(color.FgHiBlack)
	ColorError   = color.New(color.FgRed, color.Bold)
)

// PrettyPrint prints colored text to stderr.
func PrettyPrint(c *color.Color, text string) {
	c.Fprint(os.Stderr, text)
}

// ============================================================================
// Logging
// ============================================================================

// ParseLogLevel converts a config log level string to a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// ============================================================================
// URI Helpers
// ============================================================================

// ValidateAndGetFilePath converts a file:// document URI to an absolute, cleaned path.
func ValidateAndGetFilePath(uri string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if uri == "" {
		return "", fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, parsed.Scheme)
	}
	p := parsed.Path
	if p == "" {
		return "", fmt.Errorf("%w: URI has no path", ErrInvalidURI)
	}
	// file:///C:/dir on Windows parses with a leading slash before the drive.
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	abs, err := filepath.Abs(filepath.FromSlash(p))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	logger.Debug("Validated document URI", "uri", uri, "path", abs)
	return abs, nil
}

// PathToURI converts an absolute file path to a file:// document URI.
func PathToURI(path string) DocumentURI {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return DocumentURI(u.String())
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// LspPositionToBytePosition converts 0-based LSP line/character (UTF-16) to
// 1-based line/column (bytes) and a 0-based byte offset.
func LspPositionToBytePosition(content []byte, lspPos LSPPosition, logger *slog.Logger) (line, col, byteOffset int, err error) {
	if content == nil {
		return 0, 0, -1, fmt.Errorf("%w: file content is nil", ErrPositionConversion)
	}
	if logger == nil {
		logger = slog.Default()
	}
	targetLine := int(lspPos.Line)
	targetUTF16Char := int(lspPos.Character)

	lineStart := 0
	for currentLine := 0; ; currentLine++ {
		lineEnd := len(content)
		if idx := bytes.IndexByte(content[lineStart:], '\n'); idx >= 0 {
			lineEnd = lineStart + idx
		}
		if currentLine == targetLine {
			lineText := bytes.TrimSuffix(content[lineStart:lineEnd], []byte("\r"))
			byteOffsetInLine, convErr := Utf16OffsetToBytes(lineText, targetUTF16Char)
			if convErr != nil {
				if !errors.Is(convErr, ErrPositionOutOfRange) {
					return 0, 0, -1, fmt.Errorf("failed converting UTF16 to byte offset on line %d: %w", currentLine, convErr)
				}
				logger.Warn("UTF16 offset out of range, clamping to line end", "line", targetLine, "char", targetUTF16Char, "error", convErr)
				byteOffsetInLine = len(lineText)
			}
			return currentLine + 1, byteOffsetInLine + 1, lineStart + byteOffsetInLine, nil
		}
		if lineEnd == len(content) {
			return 0, 0, -1, fmt.Errorf("%w: LSP line %d not found in file (total lines %d)", ErrPositionOutOfRange, targetLine, currentLine+1)
		}
		lineStart = lineEnd + 1
	}
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	if utf16Offset == 0 {
		return 0, nil
	}

	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) && currentUTF16Offset < utf16Offset {
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		utf16Units := 1
		if r > 0xFFFF {
			utf16Units = 2 // Surrogate pair.
		}
		if currentUTF16Offset+utf16Units > utf16Offset {
			break
		}
		currentUTF16Offset += utf16Units
		byteOffset += size
	}
	if currentUTF16Offset < utf16Offset && byteOffset >= len(line) {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// ============================================================================
// Config File Helpers
// ============================================================================

var errConfigParse = errors.New("parsing config file JSON")

// GetConfigPaths returns the primary (user config dir) and secondary (~/.config) config file paths.
func GetConfigPaths(logger *slog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if dir, cfgErr := os.UserConfigDir(); cfgErr == nil {
		primary = filepath.Join(dir, configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user config dir: %w", cfgErr))
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user home dir: %w", homeErr))
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	logger.Debug("Resolved config paths", "primary", primary, "secondary", secondary)
	return primary, secondary, nil
}

// LoadAndMergeConfig merges the JSON config at path into cfg.
// A missing file is not an error and reports loaded == false.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (loaded bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("Config file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("reading config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		logger.Debug("Config file is empty", "path", path)
		return false, nil
	}
	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return false, fmt.Errorf("%w: %w", errConfigParse, err)
	}
	merged := cfg.merge(fileCfg)
	logger.Debug("Merged config file", "path", path, "fields_merged", merged)
	return true, nil
}

// WriteDefaultConfig writes cfg as indented JSON, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	logger.Info("Wrote default config", "path", path)
	return nil
}

// ============================================================================
// Cache Helper Functions
// ============================================================================

// hashContent returns the hex SHA-256 of data.
func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// deleteCacheEntryByKey removes an entry from bucket.
func deleteCacheEntryByKey(db *bbolt.DB, bucket, cacheKey []byte, logger *slog.Logger) error {
	if db == nil {
		return errors.New("cannot delete cache entry: db is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("cache_key", string(cacheKey))

	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			logger.Warn("Cache bucket not found during delete attempt.")
			return nil
		}
		if b.Get(cacheKey) == nil {
			return nil
		}
		logger.Debug("Deleting cache entry")
		return b.Delete(cacheKey)
	})
	if err != nil {
		logger.Warn("Failed to delete cache entry", "error", err)
		return fmt.Errorf("%w: failed to delete entry %s: %w", ErrCacheWrite, string(cacheKey), err)
	}
	return nil
}
