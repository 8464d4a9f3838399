// molangcomplete/schema_loader_test.go
package molangcomplete

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource records how often the schema is read.
type countingSource struct {
	data  []byte
	reads atomic.Int32
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) ReadSchema() ([]byte, error) {
	s.reads.Add(1)
	return s.data, nil
}

func TestSchemaHandle_LoadOnce(t *testing.T) {
	src := &countingSource{data: archiveFile(t, readArchive(t, "engine.txtar"), "schema.json")}
	handle := NewSchemaHandle(src, testLogger())

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = handle.Load()
		}()
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), src.reads.Load())
	assert.True(t, handle.IsLoaded())
	assert.NoError(t, handle.LoadErr())
	assert.Equal(t, "counting", handle.SourceName())
}

func TestSchemaHandle_FailuresAreFinal(t *testing.T) {
	tests := []struct {
		name    string
		source  SchemaSource
		wantErr error
	}{
		{"Missing file", FileSchemaSource{Path: filepath.Join(t.TempDir(), "missing.json")}, ErrSchemaNotFound},
		{"No data", BytesSchemaSource{Label: "nil"}, ErrSchemaNotFound},
		{"No source", nil, ErrSchemaNotFound},
		{"Not a mapping", BytesSchemaSource{Label: "list", Data: []byte("[1, 2, 3]")}, ErrSchemaShape},
		{"Scalar root", BytesSchemaSource{Label: "scalar", Data: []byte(`"schema"`)}, ErrSchemaShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle := NewSchemaHandle(tt.source, testLogger())
			assert.False(t, handle.Load())
			assert.False(t, handle.Load(), "a failed load is not retried")
			assert.False(t, handle.IsLoaded())
			assert.Nil(t, handle.Document())
			assert.ErrorIs(t, handle.LoadErr(), tt.wantErr)
		})
	}
}

func TestSchemaHandle_DuplicateKeysStillLoad(t *testing.T) {
	data := []byte(`{"structs": {"a": {"functions": {"x": {"type": "Number"}, "x": {"type": "String"}}}, "b": {}}}`)
	handle := NewSchemaHandle(BytesSchemaSource{Label: "dup", Data: data}, testLogger())

	require.True(t, handle.Load(), "load error: %v", handle.LoadErr())
	assert.Equal(t, 1, handle.SkippedFragments())
	assert.Equal(t, []string{"a", "b"}, handle.Document().StructNames())
}

func TestParseSchemaDocument(t *testing.T) {
	ar := readArchive(t, "engine.txtar")

	t.Run("JSON with malformed fragments", func(t *testing.T) {
		doc, skipped, err := parseSchemaDocument(archiveFile(t, ar, "schema.json"), testLogger())
		require.NoError(t, err)
		assert.Equal(t, 3, skipped)

		assert.Equal(t, []string{"entity", "vec3", "mob", "item"}, doc.StructNames())
		assert.Equal(t, []string{"event:MOB_SPAWN", "event:ENTITY_MOVE"}, doc.RuntimeNames())

		mob, ok := doc.Struct("mob")
		require.True(t, ok)
		assert.Equal(t, []string{"health", "name", "ghost"}, mob.Members.Names())

		comp, ok := doc.Composition("mob")
		require.True(t, ok)
		assert.Equal(t, []string{"entityFunctions", "extra", "missingSet"}, comp.Registries)
		assert.Equal(t, []string{"glow", "spawn_time"}, comp.Custom.Names())

		entity, _ := doc.Struct("entity")
		name, _ := entity.Members.Get("name")
		assert.Empty(t, name.Params, "malformed params are dropped, the member is kept")
	})

	t.Run("Member classification", func(t *testing.T) {
		doc, _, err := parseSchemaDocument(archiveFile(t, ar, "schema.json"), testLogger())
		require.NoError(t, err)
		query := doc.RuntimeQueryVariables("event:MOB_SPAWN")

		self, _ := query.Get("self")
		assert.Equal(t, StructMember, self.Kind, "untagged member with functions is a struct")
		assert.Equal(t, structTypeTag, self.Type)
		assert.True(t, self.HasInlineMembers())

		count, _ := query.Get("count")
		assert.Equal(t, ValueMember, count.Kind)
		assert.Nil(t, count.Members)

		mob, _ := doc.Struct("mob")
		ghost, _ := mob.Members.Get("ghost")
		assert.True(t, ghost.IsStruct())
		assert.False(t, ghost.HasInlineMembers())

		set, ok := doc.FunctionSet("extra")
		require.True(t, ok)
		heal, _ := set.Members.Get("heal")
		require.Len(t, heal.Params, 2)
		assert.Equal(t, Param{Name: "amount", Type: "Number", Description: "Health to add"}, heal.Params[0])
		assert.True(t, heal.Params[1].Optional)
		assert.Equal(t, "Unit", heal.ResultType())
	})

	t.Run("YAML", func(t *testing.T) {
		doc, skipped, err := parseSchemaDocument(archiveFile(t, ar, "schema.yaml"), testLogger())
		require.NoError(t, err)
		assert.Zero(t, skipped)
		assert.Equal(t, []string{"entity", "vec3"}, doc.StructNames())
		assert.Equal(t, []string{"x", "y", "z"}, doc.structs["vec3"].Members.Names())
		assert.True(t, doc.HasRuntime("event:ENTITY_MOVE"))
	})

	t.Run("Null fields are absent", func(t *testing.T) {
		doc, skipped, err := parseSchemaDocument([]byte(`{"structs": {"a": {"description": null, "functions": null}}, "runtimes": null}`), testLogger())
		require.NoError(t, err)
		assert.Zero(t, skipped)
		a, ok := doc.Struct("a")
		require.True(t, ok)
		assert.Nil(t, a.Members)
		assert.Empty(t, doc.RuntimeNames())
	})

	t.Run("Wrong-typed sections are skipped", func(t *testing.T) {
		doc, skipped, err := parseSchemaDocument([]byte(`{"structs": [1], "runtimes": {"r": {"query": "x"}}}`), testLogger())
		require.NoError(t, err)
		assert.Equal(t, 2, skipped)
		assert.Empty(t, doc.StructNames())
		assert.Zero(t, doc.RuntimeQueryVariables("r").Len())
	})

	t.Run("Duplicate keys keep the first", func(t *testing.T) {
		doc, skipped, err := parseSchemaDocument([]byte(`{
  "structs": {
    "a": {"functions": {"x": {"type": "Number", "description": "first"}, "x": {"type": "String", "description": "second"}}},
    "a": {"functions": {}},
    "b": {}
  },
  "runtimes": {"r": {"query": {"v": {"type": "Number"}, "v": {"type": "String"}}}}
}`), testLogger())
		require.NoError(t, err)
		assert.Equal(t, 3, skipped)
		assert.Equal(t, []string{"a", "b"}, doc.StructNames())

		a, ok := doc.Struct("a")
		require.True(t, ok)
		require.Equal(t, []string{"x"}, a.Members.Names())
		x, _ := a.Members.Get("x")
		assert.Equal(t, "first", x.Description)

		v, ok := doc.RuntimeQueryVariables("r").Get("v")
		require.True(t, ok)
		assert.Equal(t, "Number", v.Type)
	})

	t.Run("Undecodable", func(t *testing.T) {
		_, _, err := parseSchemaDocument([]byte("structs: [unterminated"), testLogger())
		assert.ErrorIs(t, err, ErrSchemaParse)
	})
}

func TestBuiltinSchemaLoads(t *testing.T) {
	handle := NewSchemaHandle(BuiltinSchemaSource(), testLogger())
	require.True(t, handle.Load(), "builtin schema must load: %v", handle.LoadErr())
	assert.Zero(t, handle.SkippedFragments())
	assert.Equal(t, builtinSchemaName, handle.SourceName())
}

func TestSchemaSourceFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, builtinSchemaName, SchemaSourceFromConfig(cfg).Name())
	cfg.SchemaPath = "/tmp/schema.yaml"
	assert.Equal(t, FileSchemaSource{Path: "/tmp/schema.yaml"}, SchemaSourceFromConfig(cfg))
}
