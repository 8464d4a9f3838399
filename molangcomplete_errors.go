// molangcomplete/molangcomplete_errors.go
// Contains exported error definitions for the molangcomplete package.
package molangcomplete

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrSchemaNotFound indicates the schema resource could not be read.
	ErrSchemaNotFound = errors.New("schema resource not found")

	// ErrSchemaParse indicates the schema resource is not valid JSON or YAML.
	ErrSchemaParse = errors.New("schema parse failed")

	// ErrSchemaShape indicates the schema root is not a mapping.
	ErrSchemaShape = errors.New("schema root has unexpected shape")

	// ErrSchemaNotLoaded is reported by front ends when the schema failed to load for this session.
	ErrSchemaNotLoaded = errors.New("schema not loaded")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrIndex indicates a workspace function index operation failed.
	ErrIndex = errors.New("function index operation failed")

	// ErrCache indicates a general cache operation failure.
	ErrCache = errors.New("cache operation failed")

	// ErrCacheRead indicates failure reading from the cache.
	ErrCacheRead = errors.New("cache read failed")

	// ErrCacheWrite indicates failure writing to the cache.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCacheDecode indicates failure decoding data read from the cache.
	ErrCacheDecode = errors.New("cache decode failed")

	// ErrCacheEncode indicates failure encoding data for writing to the cache.
	ErrCacheEncode = errors.New("cache encode failed")

	// ErrPositionConversion indicates failure converting between position formats (LSP <-> byte offset).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")
)

// errCacheMiss signals an absent cache entry inside a bbolt transaction.
var errCacheMiss = errors.New("cache miss")
