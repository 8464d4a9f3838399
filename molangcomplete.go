// molangcomplete.go
// Package molangcomplete provides schema-driven completion, hover and
// navigation for MoLang scripts.
package molangcomplete

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	fnCallPattern = regexp.MustCompile(`\b(?:f|function)\.([a-zA-Z_][a-zA-Z0-9_]*)`)
	importPattern = regexp.MustCompile(`import\s*\(\s*'([^']+)'\s*\)`)
)

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig loads configuration from standard locations, merges with defaults,
// validates, and attempts to write a default config if needed.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	if primaryPath != "" {
		logger.Debug("Attempting to load config", "path", primaryPath)
		loaded, loadErr := LoadAndMergeConfig(primaryPath, &cfg, logger)
		if loadErr != nil {
			if errors.Is(loadErr, errConfigParse) {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", primaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", primaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", primaryPath)
		}
	}

	primaryNotFoundOrFailed := !loadedFromFile || configParseError != nil
	if primaryNotFoundOrFailed && secondaryPath != "" && secondaryPath != primaryPath {
		logger.Debug("Attempting to load config from secondary path", "path", secondaryPath)
		loaded, loadErr := LoadAndMergeConfig(secondaryPath, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil && errors.Is(loadErr, errConfigParse) {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", secondaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", secondaryPath, "error", loadErr)
		} else if loaded && !loadedFromFile {
			loadedFromFile = true
			logger.Info("Loaded config", "path", secondaryPath)
		}
	}

	loadSucceeded := loadedFromFile && configParseError == nil
	if !loadSucceeded {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}

		if writePath != "" {
			if configParseError != nil {
				// Keep the user's broken file for them to fix.
				logger.Warn("Existing config file failed to parse, using defaults.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
				if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
					logger.Warn("Failed to write default config", "path", writePath, "error", err)
					loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
				}
			}
		} else {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			logger.Error("FATAL: Default config definition is invalid", "error", valErr)
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// =============================================================================
// Service
// =============================================================================

// Service ties the schema engine, the memory cache and the workspace function
// index to the active configuration. Front ends (LSP server, CLI) talk to it.
type Service struct {
	config   Config
	configMu sync.RWMutex
	logger   *stdslog.Logger
	metrics  *Metrics

	engineMu sync.RWMutex
	engine   *Engine
	memCache *RistrettoMemoryCache // nil when memory caching is disabled

	indexMu       sync.RWMutex
	workspaceRoot string
	index         *FunctionIndex
	indexCancel   context.CancelFunc
}

// NewService loads the user configuration and creates a service from it.
// A non-nil service is returned together with an ErrConfig-wrapped error
// when the configuration had non-fatal problems.
func NewService(logger *stdslog.Logger) (*Service, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "MoLangService")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	if err := cfg.Validate(serviceLogger); err != nil {
		serviceLogger.Error("Initial configuration is invalid after loading/defaults", "error", err)
		return nil, fmt.Errorf("initial config validation failed: %w", err)
	}

	s := newService(cfg, serviceLogger)
	if configErr != nil {
		return s, configErr
	}
	return s, nil
}

// NewServiceWithConfig creates a service with a specific config.
func NewServiceWithConfig(config Config, logger *stdslog.Logger) (*Service, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "MoLangService")
	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}
	return newService(config, serviceLogger), nil
}

func newService(cfg Config, logger *stdslog.Logger) *Service {
	s := &Service{
		config:  cfg,
		logger:  logger,
		metrics: NewMetrics(),
	}
	s.engine, s.memCache = s.buildEngine(cfg)
	return s
}

// buildEngine loads the configured schema once and wires the engine's collaborators.
func (s *Service) buildEngine(cfg Config) (*Engine, *RistrettoMemoryCache) {
	handle := NewSchemaHandle(SchemaSourceFromConfig(cfg), s.logger)
	loaded := handle.Load()
	s.metrics.observeSchemaLoad(loaded)
	if !loaded {
		s.logger.Warn("Schema unavailable, completion and hover are disabled for this session", "source", handle.SourceName(), "error", handle.LoadErr())
	}

	opts := []EngineOption{WithMetrics(s.metrics)}
	var memCache *RistrettoMemoryCache
	if cfg.MemoryCacheEnabled {
		var err error
		memCache, err = NewRistrettoMemoryCache(s.logger)
		if err != nil {
			s.logger.Warn("Memory cache unavailable, composing member maps on every request", "error", err)
			memCache = nil
		} else {
			opts = append(opts, WithMemoryCache(memCache, cfg.MemoryCacheTTL))
		}
	}
	return NewEngine(handle, s.logger, opts...), memCache
}

// Close cleans up resources used by the service.
func (s *Service) Close() error {
	s.logger.Info("Closing MoLang service")
	var closeErr error
	s.indexMu.Lock()
	if s.indexCancel != nil {
		s.indexCancel()
		s.indexCancel = nil
	}
	if s.index != nil {
		closeErr = s.index.Close()
		s.index = nil
	}
	s.indexMu.Unlock()

	s.engineMu.Lock()
	if s.memCache != nil {
		s.memCache.Close()
		s.memCache = nil
	}
	s.engineMu.Unlock()
	return closeErr
}

// UpdateConfig atomically updates the service configuration. A changed schema
// path or cache setting rebuilds the engine; the index follows index_enabled.
func (s *Service) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(s.logger); err != nil {
		s.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	s.configMu.Lock()
	old := s.config
	s.config = newConfig
	s.configMu.Unlock()

	if old.SchemaPath != newConfig.SchemaPath || old.MemoryCacheEnabled != newConfig.MemoryCacheEnabled || old.MemoryCacheTTL != newConfig.MemoryCacheTTL {
		engine, memCache := s.buildEngine(newConfig)
		s.engineMu.Lock()
		oldCache := s.memCache
		s.engine, s.memCache = engine, memCache
		s.engineMu.Unlock()
		if oldCache != nil {
			oldCache.Close()
		}
	}
	if old.IndexEnabled && !newConfig.IndexEnabled {
		s.closeIndex()
	}

	s.logger.Info("Service configuration updated",
		stdslog.Group("new_config",
			stdslog.String("schema_path", newConfig.SchemaPath),
			stdslog.String("log_level", newConfig.LogLevel),
			stdslog.Bool("memory_cache_enabled", newConfig.MemoryCacheEnabled),
			stdslog.Int("memory_cache_ttl_seconds", newConfig.MemoryCacheTTLSeconds),
			stdslog.Bool("index_enabled", newConfig.IndexEnabled),
			stdslog.Bool("index_watch", newConfig.IndexWatch),
			stdslog.Int("max_index_files", newConfig.MaxIndexFiles),
			stdslog.Bool("snippet_support", newConfig.SnippetSupport),
		),
	)
	return nil
}

// GetCurrentConfig returns a thread-safe copy of the current configuration.
func (s *Service) GetCurrentConfig() Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

// Engine returns the active resolution engine.
func (s *Service) Engine() *Engine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.engine
}

// MemoryCache returns the active ristretto cache, or nil when disabled.
func (s *Service) MemoryCache() *RistrettoMemoryCache {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.memCache
}

// Metrics returns the service's Prometheus collectors.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// SchemaLoadError returns why the schema is unavailable, or nil.
func (s *Service) SchemaLoadError() error {
	engine := s.Engine()
	if engine.IsLoaded() {
		return nil
	}
	if err := engine.Handle().LoadErr(); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaNotLoaded, err)
	}
	return ErrSchemaNotLoaded
}

// =============================================================================
// Workspace
// =============================================================================

func indexDBPath(logger *stdslog.Logger) string {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		logger.Warn("Could not determine user cache directory, index caching disabled.", "error", err)
		return ""
	}
	return filepath.Join(userCacheDir, configDirName, "bboltdb", fmt.Sprintf("v%d", cacheSchemaVersion), "function_index.db")
}

// OpenWorkspace records root for import resolution and, when enabled, builds
// the function index for it. It blocks until the initial build completes.
func (s *Service) OpenWorkspace(ctx context.Context, root string) error {
	cfg := s.GetCurrentConfig()
	s.closeIndex()

	s.indexMu.Lock()
	s.workspaceRoot = root
	s.indexMu.Unlock()
	if root == "" || !cfg.IndexEnabled {
		return nil
	}

	idx, err := NewFunctionIndex(root, indexDBPath(s.logger), cfg.MaxIndexFiles, s.metrics, s.logger)
	if err != nil {
		return err
	}
	buildCtx, cancel := context.WithCancel(ctx)
	s.indexMu.Lock()
	s.index = idx
	s.indexCancel = cancel
	s.indexMu.Unlock()

	if err := idx.Build(buildCtx); err != nil {
		s.logger.Warn("Function index build reported errors", "error", err)
		if buildCtx.Err() != nil {
			return err
		}
	}
	if cfg.IndexWatch {
		if err := idx.Watch(); err != nil {
			s.logger.Warn("Workspace watch unavailable, index will not refresh", "error", err)
		}
	}
	return nil
}

func (s *Service) closeIndex() {
	s.indexMu.Lock()
	idx, cancel := s.index, s.indexCancel
	s.index, s.indexCancel = nil, nil
	s.indexMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			s.logger.Warn("Error closing function index", "error", err)
		}
	}
}

// Index returns the workspace function index, or nil when none is open.
func (s *Service) Index() *FunctionIndex {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.index
}

// WorkspaceRoot returns the root passed to OpenWorkspace.
func (s *Service) WorkspaceRoot() string {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.workspaceRoot
}

// =============================================================================
// Definition
// =============================================================================

// Definition finds the targets of an f.name call or an import('ns:path')
// under the cursor. text is the current content of the document at path.
func (s *Service) Definition(ctx context.Context, path, text string, offset int) ([]Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || offset > len(text) {
		return nil, fmt.Errorf("%w: offset %d outside document of length %d", ErrPositionOutOfRange, offset, len(text))
	}
	defLogger := s.logger.With("operation", "Definition", "path", path, "offset", offset)

	lineStart := strings.LastIndexByte(text[:offset], '\n') + 1
	lineEnd := len(text)
	if i := strings.IndexByte(text[offset:], '\n'); i >= 0 {
		lineEnd = offset + i
	}
	line := text[lineStart:lineEnd]
	col := offset - lineStart

	if name, ok := matchAtColumn(fnCallPattern, line, col); ok {
		defLogger.Debug("Looking up function definitions", "function", name)
		return s.functionLocations(ctx, path, text, name, defLogger)
	}
	if importPath, ok := matchAtColumn(importPattern, line, col); ok {
		target, found := resolveImportPath(s.WorkspaceRoot(), importPath)
		if !found {
			defLogger.Debug("Import target not found", "import", importPath)
			return nil, nil
		}
		return []Location{{URI: PathToURI(target)}}, nil
	}
	return nil, nil
}

// matchAtColumn returns the first capture of the pattern match spanning col.
func matchAtColumn(pattern *regexp.Regexp, line string, col int) (string, bool) {
	for _, m := range pattern.FindAllStringSubmatchIndex(line, -1) {
		if col >= m[0] && col <= m[1] {
			return line[m[2]:m[3]], true
		}
	}
	return "", false
}

func (s *Service) functionLocations(ctx context.Context, path, text, name string, logger *stdslog.Logger) ([]Location, error) {
	var locs []Location
	content := []byte(text)
	var uri DocumentURI // empty for documents without a file path
	if path != "" {
		uri = PathToURI(path)
	}
	for _, def := range ScanDefinitions(path, content, logger) {
		if def.Name != name {
			continue
		}
		pos := LSPPosition{Line: def.Line, Character: def.Character}
		locs = append(locs, Location{URI: uri, Range: LSPRange{Start: pos, End: pos}})
	}

	idx := s.Index()
	if idx == nil {
		return locs, nil
	}
	defs, err := idx.Lookup(ctx, name, path)
	if err != nil {
		return locs, err
	}
	for _, def := range defs {
		pos := LSPPosition{Line: def.Line, Character: def.Character}
		locs = append(locs, Location{URI: PathToURI(def.Path), Range: LSPRange{Start: pos, End: pos}})
	}
	return locs, nil
}
