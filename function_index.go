// molangcomplete/function_index.go
// Workspace index of fn('name', ...) definitions across .molang files,
// persisted in bbolt and kept fresh with fsnotify.
package molangcomplete

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.etcd.io/bbolt"
)

var indexBucketName = []byte("FunctionIndex")

// Directories never descended into while indexing or resolving imports.
var skippedDirNames = []string{".git", "node_modules"}

func skipDir(name string) bool {
	return slices.Contains(skippedDirNames, name)
}

func isMoLangFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), molangFileExt)
}

// Index event kinds, also used as metric labels.
const (
	indexEventIndexed = "indexed"
	indexEventCached  = "cached"
	indexEventRemoved = "removed"
	indexEventSkipped = "skipped"
)

// FunctionIndex maps fn() definitions to their files under one workspace root.
type FunctionIndex struct {
	root     string
	maxFiles int
	db       *bbolt.DB // nil when the disk cache is unavailable
	logger   *slog.Logger
	metrics  *Metrics

	mu    sync.RWMutex
	files map[string][]FunctionDefinition

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFunctionIndex creates an empty index for root. dbPath names the bbolt
// file used to skip re-scanning unchanged files; empty disables it.
func NewFunctionIndex(root, dbPath string, maxFiles int, metrics *Metrics, logger *slog.Logger) (*FunctionIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving workspace root %q: %w", ErrIndex, root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndex, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: workspace root %q is not a directory", ErrIndex, absRoot)
	}
	if maxFiles <= 0 {
		maxFiles = defaultMaxIndexFiles
	}
	idx := &FunctionIndex{
		root:     absRoot,
		maxFiles: maxFiles,
		logger:   logger.With("component", "FunctionIndex", "root", absRoot),
		metrics:  metrics,
		files:    make(map[string][]FunctionDefinition),
		stopCh:   make(chan struct{}),
	}
	if dbPath != "" {
		idx.db = openIndexDB(dbPath, idx.logger)
	}
	return idx, nil
}

// openIndexDB opens the bbolt cache, returning nil if it cannot be used.
func openIndexDB(dbPath string, logger *slog.Logger) *bbolt.DB {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		logger.Warn("Could not create index cache directory, disk caching disabled.", "path", dbPath, "error", err)
		return nil
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		logger.Warn("Failed to open bbolt index cache, disk caching disabled.", "path", dbPath, "error", err)
		return nil
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(indexBucketName); err != nil {
			return fmt.Errorf("failed to create cache bucket %s: %w", string(indexBucketName), err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to ensure bbolt bucket exists, disk caching disabled.", "error", err)
		db.Close()
		return nil
	}
	logger.Info("Using bbolt index cache", "path", dbPath, "schema_version", cacheSchemaVersion)
	return db
}

// Root returns the absolute workspace root.
func (idx *FunctionIndex) Root() string {
	return idx.root
}

// Build walks the workspace and indexes every .molang file up to the file limit.
func (idx *FunctionIndex) Build(ctx context.Context) error {
	start := time.Now()
	count := 0
	truncated := false
	var errs []error
	walkErr := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			idx.logger.Debug("Skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != idx.root && skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !isMoLangFile(path) {
			return nil
		}
		if count >= idx.maxFiles {
			truncated = true
			idx.metrics.observeIndexEvent(indexEventSkipped)
			return fs.SkipAll
		}
		count++
		if err := idx.IndexFile(path); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("%w: walking workspace: %w", ErrIndex, walkErr)
	}
	files, defs := idx.stats()
	idx.logger.Info("Workspace function index built", "files", files, "definitions", defs, "duration", time.Since(start))
	if truncated {
		idx.logger.Warn("File limit reached, index is partial", "max_index_files", idx.maxFiles)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrIndex, errors.Join(errs...))
	}
	return nil
}

// IndexFile (re)indexes one file, reusing the cached scan when its content hash matches.
func (idx *FunctionIndex) IndexFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			idx.RemoveFile(path)
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	hash := hashContent(content)

	defs, cached := idx.readCached(path, hash)
	if !cached {
		defs = ScanDefinitions(path, content, idx.logger)
		idx.writeCached(path, hash, defs)
	}

	idx.mu.Lock()
	if _, exists := idx.files[path]; !exists && len(idx.files) >= idx.maxFiles {
		idx.mu.Unlock()
		idx.metrics.observeIndexEvent(indexEventSkipped)
		return nil
	}
	idx.files[path] = defs
	idx.mu.Unlock()

	if cached {
		idx.metrics.observeIndexEvent(indexEventCached)
	} else {
		idx.metrics.observeIndexEvent(indexEventIndexed)
	}
	idx.publishStats()
	return nil
}

// RemoveFile drops a file, or every file under a removed directory.
func (idx *FunctionIndex) RemoveFile(path string) {
	dirPrefix := path + string(filepath.Separator)
	var removed []string
	idx.mu.Lock()
	for p := range idx.files {
		if p == path || strings.HasPrefix(p, dirPrefix) {
			delete(idx.files, p)
			removed = append(removed, p)
		}
	}
	idx.mu.Unlock()

	for _, p := range removed {
		if idx.db != nil {
			_ = deleteCacheEntryByKey(idx.db, indexBucketName, []byte(p), idx.logger)
		}
		idx.metrics.observeIndexEvent(indexEventRemoved)
	}
	if len(removed) > 0 {
		idx.publishStats()
	}
}

func (idx *FunctionIndex) readCached(path, hash string) ([]FunctionDefinition, bool) {
	if idx.db == nil {
		return nil, false
	}
	var entry CachedIndexEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucketName)
		if b == nil {
			return fmt.Errorf("%w: bucket %s not found", ErrCacheRead, string(indexBucketName))
		}
		data := b.Get([]byte(path))
		if data == nil {
			return errCacheMiss
		}
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheDecode, err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errCacheMiss) {
			idx.logger.Warn("Index cache read failed, rescanning", "path", path, "error", err)
			_ = deleteCacheEntryByKey(idx.db, indexBucketName, []byte(path), idx.logger)
		}
		return nil, false
	}
	if entry.SchemaVersion != cacheSchemaVersion || entry.ContentHash != hash {
		idx.logger.Debug("Index cache entry stale", "path", path)
		return nil, false
	}
	return entry.Definitions, true
}

func (idx *FunctionIndex) writeCached(path, hash string, defs []FunctionDefinition) {
	if idx.db == nil {
		return
	}
	var buf bytes.Buffer
	entry := CachedIndexEntry{SchemaVersion: cacheSchemaVersion, ContentHash: hash, Definitions: defs}
	if err := gob.NewEncoder(&buf).Encode(&entry); err != nil {
		idx.logger.Warn("Failed to encode index cache entry", "path", path, "error", fmt.Errorf("%w: %w", ErrCacheEncode, err))
		return
	}
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucketName)
		if b == nil {
			return fmt.Errorf("bucket %s disappeared", string(indexBucketName))
		}
		return b.Put([]byte(path), buf.Bytes())
	})
	if err != nil {
		idx.logger.Warn("Failed to write index cache entry", "path", path, "error", fmt.Errorf("%w: %w", ErrCacheWrite, err))
	}
}

func (idx *FunctionIndex) stats() (files, defs int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, d := range idx.files {
		defs += len(d)
	}
	return len(idx.files), defs
}

func (idx *FunctionIndex) publishStats() {
	files, defs := idx.stats()
	idx.metrics.setIndexSize(files, defs)
}

// Lookup returns every definition of name, ordered by file path then offset.
// Files in exclude are skipped.
func (idx *FunctionIndex) Lookup(ctx context.Context, name string, exclude ...string) ([]FunctionDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	paths := make([]string, 0, len(idx.files))
	for p := range idx.files {
		if !slices.Contains(exclude, p) {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	var out []FunctionDefinition
	for _, p := range paths {
		for _, def := range idx.files[p] {
			if def.Name == name {
				out = append(out, def)
			}
		}
	}
	return out, nil
}

// Names returns the distinct defined function names in sorted order.
func (idx *FunctionIndex) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	seen := make(map[string]struct{})
	for _, defs := range idx.files {
		for _, def := range defs {
			seen[def.Name] = struct{}{}
		}
	}
	idx.mu.RUnlock()
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// ScanDefinitions finds fn('name', ...) definitions in content.
func ScanDefinitions(path string, content []byte, logger *slog.Logger) []FunctionDefinition {
	if logger == nil {
		logger = slog.Default()
	}
	var defs []FunctionDefinition
	for _, m := range fnDefinitionPattern.FindAllSubmatchIndex(content, -1) {
		line, char, err := byteOffsetToLSPPosition(content, m[0], logger)
		if err != nil {
			logger.Debug("Skipping definition with unconvertible position", "path", path, "offset", m[0], "error", err)
			continue
		}
		defs = append(defs, FunctionDefinition{
			Name:      string(content[m[2]:m[3]]),
			Path:      path,
			Offset:    m[0],
			Line:      line,
			Character: char,
		})
	}
	return defs
}

// ============================================================================
// File Watching
// ============================================================================

// Watch starts an fsnotify watch over the workspace and keeps the index current.
func (idx *FunctionIndex) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: create watcher: %w", ErrIndex, err)
	}
	if err := idx.addWatchTree(watcher, idx.root); err != nil {
		watcher.Close()
		return err
	}
	idx.mu.Lock()
	idx.watcher = watcher
	idx.mu.Unlock()

	idx.wg.Add(1)
	go idx.watchLoop(watcher)
	idx.logger.Info("Watching workspace for .molang changes")
	return nil
}

// addWatchTree adds dir and its subdirectories; fsnotify watches are not recursive.
func (idx *FunctionIndex) addWatchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("%w: %w", ErrIndex, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != idx.root && skipDir(d.Name()) {
			return fs.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			idx.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (idx *FunctionIndex) watchLoop(watcher *fsnotify.Watcher) {
	defer idx.wg.Done()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			idx.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			idx.logger.Error("File watcher error", "error", err)

		case <-idx.stopCh:
			return
		}
	}
}

func (idx *FunctionIndex) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		idx.logger.Debug("Workspace path removed", "event", event.Op.String(), "path", event.Name)
		idx.RemoveFile(event.Name)

	case event.Op&fsnotify.Create != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if skipDir(filepath.Base(event.Name)) {
				return
			}
			if err := idx.addWatchTree(watcher, event.Name); err != nil {
				idx.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			idx.indexTree(event.Name)
			return
		}
		if isMoLangFile(event.Name) {
			idx.reindex(event)
		}

	case event.Op&fsnotify.Write != 0:
		if isMoLangFile(event.Name) {
			idx.reindex(event)
		}
	}
}

func (idx *FunctionIndex) reindex(event fsnotify.Event) {
	idx.logger.Debug("Workspace file changed", "event", event.Op.String(), "path", event.Name)
	if err := idx.IndexFile(event.Name); err != nil {
		idx.logger.Warn("Failed to reindex file", "path", event.Name, "error", err)
	}
}

// indexTree indexes .molang files under a newly created directory.
func (idx *FunctionIndex) indexTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if isMoLangFile(path) {
			if err := idx.IndexFile(path); err != nil {
				idx.logger.Warn("Failed to index file", "path", path, "error", err)
			}
		}
		return nil
	})
}

// Close stops watching and releases the disk cache.
func (idx *FunctionIndex) Close() error {
	var closeErr error
	idx.closeOnce.Do(func() {
		close(idx.stopCh)
		idx.mu.Lock()
		watcher := idx.watcher
		idx.watcher = nil
		idx.mu.Unlock()
		if watcher != nil {
			if err := watcher.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("closing watcher: %w", err))
			}
		}
		idx.wg.Wait()
		if idx.db != nil {
			idx.logger.Info("Closing bbolt index cache.")
			if err := idx.db.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("closing index cache: %w", err))
			}
		}
	})
	return closeErr
}

// ============================================================================
// Import Resolution
// ============================================================================

// resolveImportPath maps "namespace:path" to the first file under root
// matching data/<namespace>/molang/<path>.molang.
func resolveImportPath(root, importPath string) (string, bool) {
	namespace, rel, found := strings.Cut(importPath, ":")
	if !found || root == "" {
		return "", false
	}
	suffix := "data/" + namespace + "/molang/" + rel + molangFileExt
	var match string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		slashed := filepath.ToSlash(path)
		if slashed == suffix || strings.HasSuffix(slashed, "/"+suffix) {
			match = path
			return fs.SkipAll
		}
		return nil
	})
	return match, match != ""
}
