// molangcomplete/helpers_completion_test.go
package molangcomplete

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

func labels(items []CompletionItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Label)
	}
	return out
}

func findItem(t *testing.T, items []CompletionItem, label string) CompletionItem {
	t.Helper()
	for _, item := range items {
		if item.Label == label {
			return item
		}
	}
	t.Fatalf("no completion item %q in %v", label, labels(items))
	return CompletionItem{}
}

func TestComplete(t *testing.T) {
	svc := newTestService(t, func(c *Config) { c.IndexEnabled = false })
	ctx := context.Background()
	const header = "// @context event:LEVEL_UP\n"

	tests := []struct {
		name       string
		path       string
		marked     string
		wantLabels []string
	}{
		{"Query root", "", header + "q.|", []string{"pokemon", "old_level", "new_level", "print", "is_client"}},
		{"Long query prefix", "", header + "query.|", []string{"pokemon", "old_level", "new_level", "print", "is_client"}},
		{"Query chain", "", header + "q.pokemon.species.|", []string{"identifier", "name", "base_stats"}},
		{"Inline members", "", header + "q.pokemon.species.base_stats.|", []string{"hp", "attack", "defence", "speed"}},
		{"Unresolvable chain", "", header + "q.pokemon.level.|", []string{}},
		{"Runtime from path", "/pack/callbacks/battle_victory/a.molang", "q.|", []string{"winner", "battle_id", "print", "is_client"}},
		{"Merged runtimes", "", "q.|", []string{"pokemon", "player", "pokeball", "winner", "battle_id", "old_level", "new_level", "print", "is_client"}},
		{"Context prefix", "", header + "c.|", []string{"pokemon", "old_level", "new_level"}},
		{"Context without runtime", "", "c.|", []string{}},
		{"Math", "", "math.|", []string{"abs", "ceil", "clamp", "floor", "lerp", "max", "min", "pi", "random", "random_integer", "round", "sqrt"}},
		{"Math chain", "", "math.abs.|", []string{}},
		{"Temp usages", "", "t.speed = 1; t.dir = 2; t.speed = 3;\nt.|", []string{"speed", "dir"}},
		{"Variable usages ignore other identifiers", "", "v.hp = 1; prev.x = 2; variable.mana = 3;\nv.|", []string{"hp", "mana"}},
		{"Function definitions", "", "fn('heal', () -> {});\nfn('hurt', () -> {});\nf.|", []string{"heal", "hurt"}},
		{"Context annotation", "", "// @context |", []string{"event:POKEMON_CAPTURED", "event:BATTLE_VICTORY", "event:LEVEL_UP"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, offset := cursor(t, tt.marked)
			items, err := svc.Complete(ctx, tt.path, text, offset, false)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabels, labels(items))
		})
	}
}

func TestComplete_BareKeywordsAndPrefixes(t *testing.T) {
	svc := newTestService(t, func(c *Config) { c.IndexEnabled = false })

	items, err := svc.Complete(context.Background(), "", "wh", 2, false)
	require.NoError(t, err)
	require.Len(t, items, len(molangKeywords)+len(molangPrefixes))

	while := findItem(t, items, "while")
	assert.Equal(t, CompletionItemKindKeyword, while.Kind)
	assert.Equal(t, "0while", while.SortText)

	q := findItem(t, items, "q")
	assert.Equal(t, CompletionItemKindModule, q.Kind)
	assert.Equal(t, "q.", q.InsertText)
	require.NotNil(t, q.Command)
	assert.Equal(t, "editor.action.triggerSuggest", q.Command.Command)
}

func TestComplete_ItemDetails(t *testing.T) {
	svc := newTestService(t, func(c *Config) { c.IndexEnabled = false })
	ctx := context.Background()

	text, offset := cursor(t, "// @context event:BATTLE_VICTORY\nq.|")
	items, err := svc.Complete(ctx, "", text, offset, false)
	require.NoError(t, err)

	winner := findItem(t, items, "winner")
	assert.Equal(t, CompletionItemKindClass, winner.Kind)
	assert.Equal(t, "Struct (player)", winner.Detail)
	assert.Equal(t, "0winner", winner.SortText, "struct roots sort first")
	require.NotNil(t, winner.Documentation)
	assert.Equal(t, MarkupKindMarkdown, winner.Documentation.Kind)
	assert.Contains(t, winner.Documentation.Value, "The winning player.")

	battleID := findItem(t, items, "battle_id")
	assert.Equal(t, CompletionItemKindVariable, battleID.Kind)
	assert.Equal(t, "1battle_id", battleID.SortText)

	printItem := findItem(t, items, "print")
	assert.Equal(t, "2print", printItem.SortText, "general functions sort last")
	assert.Empty(t, printItem.InsertText, "no snippets requested")

	t.Run("Snippets", func(t *testing.T) {
		text, offset := cursor(t, "// @context event:BATTLE_VICTORY\nq.winner.|")
		items, err := svc.Complete(ctx, "", text, offset, true)
		require.NoError(t, err)

		giveItem := findItem(t, items, "give_item")
		assert.Equal(t, "give_item(${1:item}, ${2:count})", giveItem.InsertText)
		assert.Equal(t, SnippetFormat, giveItem.InsertTextFormat)
		assert.Equal(t, CompletionItemKindMethod, giveItem.Kind)
		assert.Contains(t, giveItem.Documentation.Value, "*Source: PlayerFunctions*")

		username := findItem(t, items, "username")
		assert.Empty(t, username.InsertText, "members without params insert their label")
	})

	t.Run("Snippets disabled by config", func(t *testing.T) {
		cfg := svc.GetCurrentConfig()
		cfg.SnippetSupport = false
		require.NoError(t, svc.UpdateConfig(cfg))

		text, offset := cursor(t, "// @context event:BATTLE_VICTORY\nq.winner.|")
		items, err := svc.Complete(ctx, "", text, offset, true)
		require.NoError(t, err)
		assert.Empty(t, findItem(t, items, "give_item").InsertText)
	})
}

func TestComplete_FunctionsFromIndex(t *testing.T) {
	ar := txtar.Parse([]byte(`
-- lib/helpers.molang --
fn('shared_helper', () -> { 1 });
fn('local_dup', () -> { 1 });
`))
	svc := newTestService(t, nil)
	root := extractArchive(t, ar, t.TempDir())
	require.NoError(t, svc.OpenWorkspace(context.Background(), root))

	text, offset := cursor(t, "fn('local_dup', () -> {});\nf.|")
	items, err := svc.Complete(context.Background(), filepath.Join(root, "main.molang"), text, offset, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"local_dup", "shared_helper"}, labels(items))
	assert.Equal(t, "shared_helper($0)", items[1].InsertText)
}

func TestComplete_ArchiveScript(t *testing.T) {
	ar := readArchive(t, "engine.txtar")
	dir := extractArchive(t, ar, t.TempDir())
	schemaPath := filepath.Join(dir, "schema.json")
	scriptPath := filepath.Join(dir, "scripts", "callbacks", "mob_spawn", "greet.molang")
	content, err := os.ReadFile(scriptPath)
	require.NoError(t, err)

	svc := newTestService(t, func(c *Config) {
		c.SchemaPath = schemaPath
		c.IndexEnabled = false
	})
	text := string(content) + "q.mob.|"
	items, err := svc.Complete(context.Background(), scriptPath, text, len(text), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"health", "name", "ghost", "uuid", "pos", "glow", "heal", "spawn_time"}, labels(items))

	text = string(content) + "t.|"
	items, err = svc.Complete(context.Background(), scriptPath, text, len(text), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"count"}, labels(items))
}

func TestComplete_Errors(t *testing.T) {
	svc := newTestService(t, func(c *Config) { c.IndexEnabled = false })

	_, err := svc.Complete(context.Background(), "", "q.", 5, false)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Complete(ctx, "", "q.", 2, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanUsages(t *testing.T) {
	text := "t.a = 1; temp.b = t.a; xt.c = 2; t.a = 3;"
	assert.Equal(t, []string{"a", "b"}, scanUsages(text, tempUsagePattern))
	assert.Empty(t, scanUsages("", tempUsagePattern))
}
