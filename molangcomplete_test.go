// molangcomplete/molangcomplete_test.go
package molangcomplete

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

// ============================================================================
// Shared Test Helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readArchive(t *testing.T, name string) *txtar.Archive {
	t.Helper()
	ar, err := txtar.ParseFile(filepath.Join("testdata", name))
	require.NoError(t, err, "parsing %s", name)
	return ar
}

func archiveFile(t *testing.T, ar *txtar.Archive, name string) []byte {
	t.Helper()
	for _, f := range ar.Files {
		if f.Name == name {
			return f.Data
		}
	}
	t.Fatalf("archive has no file %q", name)
	return nil
}

// extractArchive writes every archive file below dir and returns dir.
func extractArchive(t *testing.T, ar *txtar.Archive, dir string) string {
	t.Helper()
	for _, f := range ar.Files {
		path := filepath.Join(dir, filepath.FromSlash(f.Name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, f.Data, 0o644))
	}
	return dir
}

func newArchiveEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	data := archiveFile(t, readArchive(t, "engine.txtar"), "schema.json")
	handle := NewSchemaHandle(BytesSchemaSource{Label: "engine.txtar", Data: data}, testLogger())
	require.True(t, handle.Load(), "load error: %v", handle.LoadErr())
	return NewEngine(handle, testLogger(), opts...)
}

func newBuiltinEngine(t *testing.T) *Engine {
	t.Helper()
	handle := NewSchemaHandle(BuiltinSchemaSource(), testLogger())
	require.True(t, handle.Load(), "load error: %v", handle.LoadErr())
	return NewEngine(handle, testLogger())
}

// isolateUserDirs points config and cache lookups at a temporary home.
func isolateUserDirs(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	return home
}

func newTestService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()
	isolateUserDirs(t)
	cfg := DefaultConfig()
	cfg.IndexWatch = false
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewServiceWithConfig(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// cursor splits text at the "|" marker and returns the text and byte offset.
func cursor(t *testing.T, marked string) (string, int) {
	t.Helper()
	offset := strings.Index(marked, "|")
	require.GreaterOrEqual(t, offset, 0, "missing cursor marker in %q", marked)
	return marked[:offset] + marked[offset+1:], offset
}

// ============================================================================
// Service Tests
// ============================================================================

func TestNewServiceWithConfig_Invalid(t *testing.T) {
	isolateUserDirs(t)
	cfg := DefaultConfig()
	cfg.SchemaPath = filepath.Join(t.TempDir(), "missing.json")

	svc, err := NewServiceWithConfig(cfg, testLogger())
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestService_BuiltinSchema(t *testing.T) {
	svc := newTestService(t, nil)

	require.NoError(t, svc.SchemaLoadError())
	assert.True(t, svc.Engine().IsLoaded())
	assert.NotNil(t, svc.MemoryCache(), "memory cache is enabled by default")
	assert.Equal(t, []string{"event:POKEMON_CAPTURED", "event:BATTLE_VICTORY", "event:LEVEL_UP"}, svc.Engine().GetRuntimeNames())
}

func TestService_BrokenSchemaDisablesFeatures(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte("- just\n- a list\n"), 0o644))

	svc := newTestService(t, func(c *Config) { c.SchemaPath = schemaPath })

	err := svc.SchemaLoadError()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaNotLoaded)
	assert.ErrorIs(t, err, ErrSchemaShape)

	ctx := context.Background()
	items, err := svc.Complete(ctx, "", "q.", 2, false)
	require.NoError(t, err)
	assert.Empty(t, items)

	info, err := svc.Hover(ctx, "", "q.pokemon", 4, true)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestService_UpdateConfig(t *testing.T) {
	svc := newTestService(t, nil)
	before := svc.Engine()

	t.Run("Log level change keeps engine", func(t *testing.T) {
		cfg := svc.GetCurrentConfig()
		cfg.LogLevel = "debug"
		require.NoError(t, svc.UpdateConfig(cfg))
		assert.Equal(t, "debug", svc.GetCurrentConfig().LogLevel)
		assert.Same(t, before, svc.Engine())
	})

	t.Run("Schema path change rebuilds engine", func(t *testing.T) {
		ar := readArchive(t, "engine.txtar")
		schemaPath := filepath.Join(t.TempDir(), "schema.yaml")
		require.NoError(t, os.WriteFile(schemaPath, archiveFile(t, ar, "schema.yaml"), 0o644))

		cfg := svc.GetCurrentConfig()
		cfg.SchemaPath = schemaPath
		require.NoError(t, svc.UpdateConfig(cfg))
		assert.NotSame(t, before, svc.Engine())
		assert.Equal(t, []string{"event:ENTITY_MOVE"}, svc.Engine().GetRuntimeNames())
	})

	t.Run("Disabling memory cache drops it", func(t *testing.T) {
		cfg := svc.GetCurrentConfig()
		cfg.MemoryCacheEnabled = false
		require.NoError(t, svc.UpdateConfig(cfg))
		assert.Nil(t, svc.MemoryCache())
	})

	t.Run("Invalid config is rejected", func(t *testing.T) {
		cfg := svc.GetCurrentConfig()
		cfg.SchemaPath = filepath.Join(t.TempDir(), "nope.json")
		err := svc.UpdateConfig(cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.NotEqual(t, cfg.SchemaPath, svc.GetCurrentConfig().SchemaPath)
	})
}

func TestService_MemoryCacheServesComposedMaps(t *testing.T) {
	svc := newTestService(t, nil)
	engine := svc.Engine()

	first := engine.GetAllFunctionsForType("pokemon")
	svc.MemoryCache().Wait()
	second := engine.GetAllFunctionsForType("pokemon")

	assert.Same(t, first, second, "second lookup should come from the cache")
	assert.Equal(t, first.Names(), second.Names())
}

func TestService_OpenWorkspaceAndDefinition(t *testing.T) {
	ar := txtar.Parse([]byte(`
-- pack/data/demo/molang/util/math.molang --
fn('double', (x) -> { x * 2 });
-- pack/data/demo/molang/main.molang --
import('demo:util/math');
f.double(2);
fn('local_only', () -> { 1 });
-- node_modules/ignored.molang --
fn('double', () -> { 0 });
`))
	svc := newTestService(t, nil)
	root := extractArchive(t, ar, t.TempDir())
	require.NoError(t, svc.OpenWorkspace(context.Background(), root))
	require.NotNil(t, svc.Index())
	assert.Equal(t, root, svc.WorkspaceRoot())

	mainPath := filepath.Join(root, "pack", "data", "demo", "molang", "main.molang")
	mathPath := filepath.Join(root, "pack", "data", "demo", "molang", "util", "math.molang")
	content, err := os.ReadFile(mainPath)
	require.NoError(t, err)
	text := string(content)

	t.Run("Function call resolves through the index", func(t *testing.T) {
		offset := strings.Index(text, "double") + 2
		locs, err := svc.Definition(context.Background(), mainPath, text, offset)
		require.NoError(t, err)
		require.Len(t, locs, 1, "node_modules must not be indexed")
		assert.Equal(t, PathToURI(mathPath), locs[0].URI)
		assert.Equal(t, LSPPosition{Line: 0, Character: 0}, locs[0].Range.Start)
	})

	t.Run("Import resolves to the script file", func(t *testing.T) {
		offset := strings.Index(text, "util")
		locs, err := svc.Definition(context.Background(), mainPath, text, offset)
		require.NoError(t, err)
		require.Len(t, locs, 1)
		assert.Equal(t, PathToURI(mathPath), locs[0].URI)
	})

	t.Run("In-document definition for unsaved buffer", func(t *testing.T) {
		buffer := "fn('fresh', () -> { 2 });\nf.fresh();"
		locs, err := svc.Definition(context.Background(), "", buffer, strings.LastIndex(buffer, "fresh"))
		require.NoError(t, err)
		require.Len(t, locs, 1)
		assert.Empty(t, locs[0].URI, "unsaved buffers have no file URI")
		assert.Equal(t, uint32(0), locs[0].Range.Start.Line)
	})

	t.Run("Nothing under cursor", func(t *testing.T) {
		locs, err := svc.Definition(context.Background(), mainPath, text, len(text))
		require.NoError(t, err)
		assert.Empty(t, locs)
	})

	t.Run("Offset out of range", func(t *testing.T) {
		_, err := svc.Definition(context.Background(), mainPath, text, len(text)+1)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
	})

	t.Run("Disabling the index closes it", func(t *testing.T) {
		cfg := svc.GetCurrentConfig()
		cfg.IndexEnabled = false
		require.NoError(t, svc.UpdateConfig(cfg))
		assert.Nil(t, svc.Index())
		assert.Equal(t, root, svc.WorkspaceRoot())
	})
}

func TestMatchAtColumn(t *testing.T) {
	line := "f.alpha(1) + function.beta(2)"
	tests := []struct {
		name   string
		col    int
		want   string
		wantOK bool
	}{
		{"Start of short form", 0, "alpha", true},
		{"End of short form", 7, "alpha", true},
		{"Between calls", 10, "", false},
		{"Inside long form", 25, "beta", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchAtColumn(fnCallPattern, line, tt.col)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
