// molangcomplete/resolver_test.go
package molangcomplete

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAllFunctionsForType(t *testing.T) {
	engine := newArchiveEngine(t)

	t.Run("Own members first, then registries, then custom gap fillers", func(t *testing.T) {
		members := engine.GetAllFunctionsForType("mob")
		assert.Equal(t,
			[]string{"health", "name", "ghost", "uuid", "pos", "glow", "heal", "spawn_time"},
			members.Names())

		name, ok := members.Get("name")
		require.True(t, ok)
		assert.Equal(t, "The mob's own name.", name.Description, "own member beats registry")

		uuid, _ := members.Get("uuid")
		assert.Equal(t, "String", uuid.Type, "earlier registry beats later registry")
		assert.Equal(t, "EntityFunctions", uuid.Source)

		glow, _ := members.Get("glow")
		assert.Equal(t, "Boolean", glow.Type, "registry beats custom function")
	})

	t.Run("Struct without composition", func(t *testing.T) {
		assert.Equal(t, []string{"name", "pos"}, engine.GetAllFunctionsForType("entity").Names())
	})

	t.Run("Unknown and empty types", func(t *testing.T) {
		assert.Zero(t, engine.GetAllFunctionsForType("dragon").Len())
		assert.Zero(t, engine.GetAllFunctionsForType("").Len())
		assert.Zero(t, engine.GetAllFunctionsForType("item").Len())
	})

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, engine.GetAllFunctionsForType("mob").Names(), engine.GetAllFunctionsForType("mob").Names())
	})
}

func TestQueryVariables(t *testing.T) {
	engine := newArchiveEngine(t)

	assert.Equal(t, []string{"mob", "count", "self", "held"}, engine.QueryVariables("event:MOB_SPAWN").Names())
	assert.Zero(t, engine.QueryVariables("event:NOPE").Len())

	merged := engine.QueryVariables("")
	assert.Equal(t, []string{"mob", "count", "self", "held", "distance"}, merged.Names(),
		"merged map keeps first-appearance order")
	mob, ok := merged.Get("mob")
	require.True(t, ok)
	assert.Equal(t, "entity", mob.StructType, "later runtime overwrites earlier one")
}

func TestResolveChain(t *testing.T) {
	engine := newArchiveEngine(t)

	tests := []struct {
		name        string
		runtime     string
		path        []string
		wantOK      bool
		wantEntry   string
		wantMembers []string
	}{
		{"Struct root", "event:MOB_SPAWN", []string{"mob"}, true, "mob",
			[]string{"health", "name", "ghost", "uuid", "pos", "glow", "heal", "spawn_time"}},
		{"Registry member", "event:MOB_SPAWN", []string{"mob", "pos"}, true, "pos", []string{"x", "y", "z"}},
		{"Terminal value", "event:MOB_SPAWN", []string{"mob", "pos", "x"}, true, "x", nil},
		{"Value mid-chain", "event:MOB_SPAWN", []string{"mob", "pos", "x", "y"}, false, "", nil},
		{"Value root", "event:MOB_SPAWN", []string{"count"}, true, "count", nil},
		{"Value root with more segments", "event:MOB_SPAWN", []string{"count", "x"}, false, "", nil},
		{"Untyped inline root", "event:MOB_SPAWN", []string{"self"}, true, "self", []string{"hp"}},
		{"Untyped inline root member", "event:MOB_SPAWN", []string{"self", "hp"}, true, "hp", nil},
		{"Inline over empty struct", "event:MOB_SPAWN", []string{"held"}, true, "held", []string{"enchant"}},
		{"Inline member", "event:MOB_SPAWN", []string{"held", "enchant"}, true, "enchant", nil},
		{"Dead-end struct member", "event:MOB_SPAWN", []string{"mob", "ghost"}, false, "", nil},
		{"Struct name fallback", "event:MOB_SPAWN", []string{"vec3", "x"}, true, "x", nil},
		{"Bare struct name", "event:MOB_SPAWN", []string{"vec3"}, true, "", []string{"x", "y", "z"}},
		{"Function set is not a root", "event:MOB_SPAWN", []string{"entityFunctions"}, false, "", nil},
		{"Unknown member", "event:MOB_SPAWN", []string{"mob", "wings"}, false, "", nil},
		{"Unknown root", "event:MOB_SPAWN", []string{"dragon"}, false, "", nil},
		{"Empty path", "event:MOB_SPAWN", nil, false, "", nil},
		{"Other runtime", "event:ENTITY_MOVE", []string{"mob"}, true, "mob", []string{"name", "pos"}},
		{"Runtime mismatch", "event:ENTITY_MOVE", []string{"count"}, false, "", nil},
		{"Merged runtimes", "", []string{"mob", "pos", "x"}, true, "x", nil},
		{"Merged runtimes overwrite", "", []string{"mob", "health"}, false, "", nil},
		{"Struct name fallback without runtime", "", []string{"vec3", "x"}, true, "x", nil},
		{"Bare struct name without runtime", "", []string{"vec3"}, true, "", []string{"x", "y", "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := engine.ResolveChain(tt.runtime, tt.path)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				assert.Nil(t, res.Entry)
				return
			}
			if tt.wantEntry == "" {
				assert.Nil(t, res.Entry)
			} else {
				require.NotNil(t, res.Entry)
				assert.Equal(t, tt.wantEntry, res.Entry.Name)
			}
			if tt.wantMembers == nil {
				assert.Zero(t, res.Members.Len())
			} else {
				assert.Equal(t, tt.wantMembers, res.Members.Names())
			}
		})
	}
}

func TestResolveChain_InlineShadowsDeclaredType(t *testing.T) {
	data := archiveFile(t, readArchive(t, "overrides.txtar"), "schema.yaml")
	handle := NewSchemaHandle(BytesSchemaSource{Label: "overrides.txtar", Data: data}, testLogger())
	require.True(t, handle.Load(), "load error: %v", handle.LoadErr())
	engine := NewEngine(handle, testLogger())

	tests := []struct {
		name        string
		runtime     string
		path        []string
		wantMembers []string
		wantType    string
		wantDesc    string
	}{
		{"Inline over struct members", "event:BLOCK_PLACE", []string{"block"}, []string{"x", "y"}, "", ""},
		{"Inline member wins", "event:BLOCK_PLACE", []string{"block", "x"}, nil, "String", "Inline x."},
		{"Declared type fills the rest", "event:BLOCK_PLACE", []string{"block", "y"}, nil, "Number", ""},
		{"Inline over composed registry", "event:BLOCK_PLACE", []string{"tally"}, []string{"x", "z"}, "", ""},
		{"Inline beats registry member", "event:BLOCK_PLACE", []string{"tally", "x"}, nil, "String", "Inline stat."},
		{"Merged runtimes keep inline", "", []string{"tally", "x"}, nil, "String", "Inline stat."},
		{"Struct name without runtime is composed only", "", []string{"vec3", "x"}, nil, "Number", "Composed x."},
		{"Composed struct without runtime", "", []string{"stats", "x"}, nil, "Number", "Composed stat."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := engine.ResolveChain(tt.runtime, tt.path)
			require.True(t, ok)
			require.NotNil(t, res.Entry)
			if tt.wantMembers != nil {
				assert.Equal(t, tt.wantMembers, res.Members.Names())
				return
			}
			assert.Zero(t, res.Members.Len())
			assert.Equal(t, tt.wantType, res.Entry.Type)
			assert.Equal(t, tt.wantDesc, res.Entry.Description)
		})
	}

	t.Run("Inline value ends the chain", func(t *testing.T) {
		_, ok := engine.ResolveChain("event:BLOCK_PLACE", []string{"block", "x", "y"})
		assert.False(t, ok)
	})
}

func TestResolveFunction(t *testing.T) {
	engine := newArchiveEngine(t)

	tests := []struct {
		name     string
		runtime  string
		path     []string
		wantOK   bool
		wantDesc string
	}{
		{"Single segment query variable", "event:MOB_SPAWN", []string{"count"}, true, "Mobs spawned so far."},
		{"Single segment unknown", "event:MOB_SPAWN", []string{"distance"}, false, ""},
		{"Math namespace is not callable", "event:MOB_SPAWN", []string{"math"}, false, ""},
		{"Bare struct name has no entry", "event:MOB_SPAWN", []string{"vec3"}, false, ""},
		{"Bare struct name without runtime", "", []string{"vec3"}, false, ""},
		{"Single segment merged", "", []string{"distance"}, true, ""},
		{"Member of struct", "event:MOB_SPAWN", []string{"mob", "name"}, true, "The mob's own name."},
		{"Dead-end member is still documented", "event:MOB_SPAWN", []string{"mob", "ghost"}, true, "Declared without a type."},
		{"Registry callable", "event:MOB_SPAWN", []string{"mob", "heal"}, true, "Heals the mob."},
		{"Broken prefix", "event:MOB_SPAWN", []string{"mob", "health", "x"}, false, ""},
		{"Missing leaf", "event:MOB_SPAWN", []string{"mob", "wings"}, false, ""},
		{"Empty path", "event:MOB_SPAWN", nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := engine.ResolveFunction(tt.runtime, tt.path)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantDesc, entry.Description)
			}
		})
	}
}

func TestEngine_UnloadedSchemaAnswersEmpty(t *testing.T) {
	handle := NewSchemaHandle(BytesSchemaSource{Label: "empty"}, testLogger())
	require.False(t, handle.Load())
	engine := NewEngine(handle, testLogger())

	assert.False(t, engine.IsLoaded())
	assert.Empty(t, engine.GetRuntimeNames())
	assert.Empty(t, engine.GetStructNames())
	assert.Zero(t, engine.QueryVariables("").Len())
	assert.Zero(t, engine.GetAllFunctionsForType("mob").Len())
	assert.Zero(t, engine.MathFunctions().Len())
	assert.Zero(t, engine.GeneralFunctions().Len())
	_, ok := engine.ResolveChain("", []string{"mob"})
	assert.False(t, ok)
	_, ok = engine.ResolveFunction("", []string{"mob"})
	assert.False(t, ok)
}

func TestEngine_BuiltinSchema(t *testing.T) {
	engine := newBuiltinEngine(t)

	res, ok := engine.ResolveChain("event:LEVEL_UP", []string{"pokemon", "species", "base_stats"})
	require.True(t, ok)
	assert.Equal(t, []string{"hp", "attack", "defence", "speed"}, res.Members.Names())

	res, ok = engine.ResolveChain("event:BATTLE_VICTORY", []string{"winner", "party", "get", "owner"})
	require.True(t, ok)
	assert.Contains(t, res.Members.Names(), "give_item")
	assert.Contains(t, res.Members.Names(), "is_op")

	assert.Equal(t, []string{"print", "is_client"}, engine.GeneralFunctions().Names())
	assert.True(t, engine.MathFunctions().Has("clamp"))
}

func TestEngine_Metrics(t *testing.T) {
	metrics := NewMetrics()
	engine := newArchiveEngine(t, WithMetrics(metrics))

	engine.ResolveChain("event:MOB_SPAWN", []string{"mob", "pos"})
	engine.ResolveChain("event:MOB_SPAWN", []string{"dragon"})
	engine.ResolveFunction("event:MOB_SPAWN", []string{"count"})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolutions.WithLabelValues("chain", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolutions.WithLabelValues("chain", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolutions.WithLabelValues("function", "hit")))
}

func TestEngine_MemoryCacheMetrics(t *testing.T) {
	cache, err := NewRistrettoMemoryCache(testLogger())
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	metrics := NewMetrics()
	engine := newArchiveEngine(t, WithMemoryCache(cache, DefaultConfig().MemoryCacheTTL), WithMetrics(metrics))

	engine.GetAllFunctionsForType("mob")
	cache.Wait()
	engine.GetAllFunctionsForType("mob")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.memberMapCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.memberMapCache.WithLabelValues("hit")))
}

func TestMergeFirstWins(t *testing.T) {
	a := newMemberMap(2)
	a.add("x", &MemberEntry{Name: "x", Type: "Number"})
	a.add("y", &MemberEntry{Name: "y", Type: "Number"})
	b := newMemberMap(2)
	b.add("y", &MemberEntry{Name: "y", Type: "String"})
	b.add("z", &MemberEntry{Name: "z", Type: "String"})

	merged := mergeFirstWins(a, nil, b)
	assert.Equal(t, []string{"x", "y", "z"}, merged.Names())
	y, _ := merged.Get("y")
	assert.Equal(t, "Number", y.Type)

	assert.Same(t, a, mergeFirstWins(nil, a, emptyMemberMap), "a single non-empty source is returned as is")
	assert.Zero(t, mergeFirstWins().Len())
}
