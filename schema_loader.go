// molangcomplete/schema_loader.go
// Loads the schema resource exactly once per session and converts the loosely
// typed tree into the SchemaDocument model.
package molangcomplete

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-yaml"
)

// =============================================================================
// Schema Sources
// =============================================================================

//go:embed schema/molang-schema.json
var builtinSchema []byte

const builtinSchemaName = "builtin:schema/molang-schema.json"

// SchemaSource supplies the raw schema resource.
type SchemaSource interface {
	Name() string
	ReadSchema() ([]byte, error)
}

// FileSchemaSource reads the schema from a JSON or YAML file.
type FileSchemaSource struct {
	Path string
}

func (s FileSchemaSource) Name() string { return s.Path }

func (s FileSchemaSource) ReadSchema() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, s.Path)
		}
		return nil, fmt.Errorf("%w: reading %s: %w", ErrSchemaNotFound, s.Path, err)
	}
	return data, nil
}

// BytesSchemaSource serves an in-memory schema.
type BytesSchemaSource struct {
	Label string
	Data  []byte
}

func (s BytesSchemaSource) Name() string { return s.Label }

func (s BytesSchemaSource) ReadSchema() ([]byte, error) {
	if s.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrSchemaNotFound, s.Label)
	}
	return s.Data, nil
}

// BuiltinSchemaSource returns the schema compiled into the binary.
func BuiltinSchemaSource() SchemaSource {
	return BytesSchemaSource{Label: builtinSchemaName, Data: builtinSchema}
}

// SchemaSourceFromConfig selects the configured schema file, or the built-in schema.
func SchemaSourceFromConfig(cfg Config) SchemaSource {
	if cfg.SchemaPath != "" {
		return FileSchemaSource{Path: cfg.SchemaPath}
	}
	return BuiltinSchemaSource()
}

// =============================================================================
// Schema Handle
// =============================================================================

// SchemaHandle owns the single schema snapshot of a session. It is created at
// startup and shared read-only; Load parses at most once and a failed load is final.
type SchemaHandle struct {
	source SchemaSource
	logger *slog.Logger

	mu        sync.Mutex
	attempted bool
	loadErr   error
	skipped   int

	doc atomic.Pointer[SchemaDocument]
}

// NewSchemaHandle creates an unloaded handle for source.
func NewSchemaHandle(source SchemaSource, logger *slog.Logger) *SchemaHandle {
	if logger == nil {
		logger = slog.Default()
	}
	name := "<nil>"
	if source != nil {
		name = source.Name()
	}
	return &SchemaHandle{
		source: source,
		logger: logger.With("component", "SchemaHandle", "schema_source", name),
	}
}

// Load parses the schema on first call and reports whether a document is available.
// Concurrent callers block until the single parse finishes and all observe its outcome.
func (h *SchemaHandle) Load() bool {
	if h.doc.Load() != nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attempted {
		return h.doc.Load() != nil
	}
	h.attempted = true

	if h.source == nil {
		h.loadErr = fmt.Errorf("%w: no schema source configured", ErrSchemaNotFound)
		h.logger.Error("Schema load failed", "error", h.loadErr)
		return false
	}
	data, err := h.source.ReadSchema()
	if err != nil {
		h.loadErr = err
		h.logger.Error("Schema load failed", "error", err)
		return false
	}
	doc, skipped, err := parseSchemaDocument(data, h.logger)
	if err != nil {
		h.loadErr = err
		h.logger.Error("Schema parse failed", "error", err, "size", len(data))
		return false
	}
	h.skipped = skipped
	h.doc.Store(doc)
	h.logger.Info("Schema loaded",
		"structs", len(doc.structs),
		"function_sets", len(doc.functionSets),
		"runtimes", len(doc.runtimes),
		"compositions", len(doc.compositions),
		"skipped_fragments", skipped)
	return true
}

// IsLoaded reports whether the schema document is available.
func (h *SchemaHandle) IsLoaded() bool {
	return h != nil && h.doc.Load() != nil
}

// Document returns the loaded document, or nil before/after a failed load.
func (h *SchemaHandle) Document() *SchemaDocument {
	if h == nil {
		return nil
	}
	return h.doc.Load()
}

// LoadErr returns the error recorded by a failed load.
func (h *SchemaHandle) LoadErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadErr
}

// SkippedFragments returns how many malformed fragments the load skipped.
func (h *SchemaHandle) SkippedFragments() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipped
}

// SourceName names the resource this handle loads from.
func (h *SchemaHandle) SourceName() string {
	if h.source == nil {
		return ""
	}
	return h.source.Name()
}

// =============================================================================
// Parsing
// =============================================================================

// object is an order-preserving view of one decoded mapping.
type object []field

type field struct {
	key   string
	value any
}

func (o object) get(key string) (any, bool) {
	for _, f := range o {
		if f.key == key {
			return f.value, f.value != nil
		}
	}
	return nil, false
}

// asObject accepts ordered and plain mappings; anything else is the wrong shape.
func asObject(v any) (object, bool) {
	switch m := v.(type) {
	case yaml.MapSlice:
		out := make(object, 0, len(m))
		for _, item := range m {
			key, ok := item.Key.(string)
			if !ok {
				continue
			}
			out = append(out, field{key: key, value: item.Value})
		}
		return out, true
	case map[string]any:
		out := make(object, 0, len(m))
		for _, key := range slices.Sorted(maps.Keys(m)) {
			out = append(out, field{key: key, value: m[key]})
		}
		return out, true
	}
	return nil, false
}

// schemaParser converts the decoded tree, skipping malformed fragments one at a time.
type schemaParser struct {
	logger  *slog.Logger
	skipped int
}

func (p *schemaParser) skip(path, reason string) {
	p.skipped++
	p.logger.Debug("Skipping malformed schema fragment", "path", path, "reason", reason)
}

func (p *schemaParser) stringField(obj object, key, path string) string {
	v, ok := obj.get(key)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.skip(path+"."+key, "expected string")
		return ""
	}
	return s
}

func (p *schemaParser) boolField(obj object, key, path string) bool {
	v, ok := obj.get(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		p.skip(path+"."+key, "expected boolean")
		return false
	}
	return b
}

func (p *schemaParser) objectField(obj object, key, path string) (object, bool) {
	v, ok := obj.get(key)
	if !ok {
		return nil, false
	}
	o, ok := asObject(v)
	if !ok {
		p.skip(path+"."+key, "expected mapping")
		return nil, false
	}
	return o, true
}

// parseSchemaDocument decodes JSON or YAML and builds the document. Only an
// undecodable resource or a non-mapping root is an error. Repeated keys decode
// as separate fields; the builders keep the first and count the rest as skipped.
func parseSchemaDocument(data []byte, logger *slog.Logger) (*SchemaDocument, int, error) {
	var raw any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseOrderedMap(), yaml.AllowDuplicateMapKey()); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrSchemaParse, err)
	}
	root, ok := asObject(raw)
	if !ok {
		return nil, 0, fmt.Errorf("%w: got %T", ErrSchemaShape, raw)
	}

	p := &schemaParser{logger: logger}
	doc := newSchemaDocument()

	if structs, ok := p.objectField(root, "structs", "$"); ok {
		for _, f := range structs {
			path := "$.structs." + f.key
			obj, ok := asObject(f.value)
			if !ok {
				p.skip(path, "expected mapping")
				continue
			}
			if _, dup := doc.structs[f.key]; dup {
				p.skip(path, "duplicate struct")
				continue
			}
			doc.structs[f.key] = &StructDef{
				Name:        f.key,
				Description: p.stringField(obj, "description", path),
				Members:     p.memberMapField(obj, "functions", path),
			}
			doc.structOrder = append(doc.structOrder, f.key)
		}
	}

	if sets, ok := p.objectField(root, "function_sets", "$"); ok {
		for _, f := range sets {
			path := "$.function_sets." + f.key
			obj, ok := asObject(f.value)
			if !ok {
				p.skip(path, "expected mapping")
				continue
			}
			if _, dup := doc.functionSets[f.key]; dup {
				p.skip(path, "duplicate function set")
				continue
			}
			doc.functionSets[f.key] = &FunctionSetDef{
				Name:        f.key,
				Description: p.stringField(obj, "description", path),
				Members:     p.memberMapField(obj, "functions", path),
			}
		}
	}

	if runtimes, ok := p.objectField(root, "runtimes", "$"); ok {
		for _, f := range runtimes {
			path := "$.runtimes." + f.key
			obj, ok := asObject(f.value)
			if !ok {
				p.skip(path, "expected mapping")
				continue
			}
			if _, dup := doc.runtimes[f.key]; dup {
				p.skip(path, "duplicate runtime")
				continue
			}
			doc.runtimes[f.key] = &RuntimeDef{
				ID:          f.key,
				Description: p.stringField(obj, "description", path),
				Category:    p.stringField(obj, "category", path),
				Query:       p.memberMapField(obj, "query", path),
			}
			doc.runtimeOrder = append(doc.runtimeOrder, f.key)
		}
	}

	if comps, ok := p.objectField(root, "structCompositions", "$"); ok {
		for _, f := range comps {
			path := "$.structCompositions." + f.key
			obj, ok := asObject(f.value)
			if !ok {
				p.skip(path, "expected mapping")
				continue
			}
			if _, dup := doc.compositions[f.key]; dup {
				p.skip(path, "duplicate composition")
				continue
			}
			doc.compositions[f.key] = &CompositionDef{
				StructType:  f.key,
				Description: p.stringField(obj, "description", path),
				Registries:  p.registries(obj, path),
				Custom:      p.memberMapField(obj, "custom_functions", path),
			}
		}
	}

	return doc, p.skipped, nil
}

func (p *schemaParser) registries(obj object, path string) []string {
	v, ok := obj.get("registries")
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		p.skip(path+".registries", "expected list")
		return nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		name, ok := item.(string)
		if !ok || name == "" {
			p.skip(fmt.Sprintf("%s.registries[%d]", path, i), "expected non-empty string")
			continue
		}
		out = append(out, name)
	}
	return out
}

// memberMapField parses obj[key] as a member map; nil means absent or wrong shape.
func (p *schemaParser) memberMapField(obj object, key, path string) *MemberMap {
	members, ok := p.objectField(obj, key, path)
	if !ok {
		return nil
	}
	return p.memberMap(members, path+"."+key)
}

func (p *schemaParser) memberMap(members object, path string) *MemberMap {
	out := newMemberMap(len(members))
	for _, f := range members {
		entry, ok := p.memberEntry(f.key, f.value, path+"."+f.key)
		if !ok {
			continue
		}
		if !out.add(f.key, entry) {
			p.skip(path+"."+f.key, "duplicate member")
		}
	}
	return out
}

// memberEntry classifies a raw member once: an explicit "Struct" tag, or no tag
// with a struct_type or functions field, is Struct-kind; everything else is Value-kind.
func (p *schemaParser) memberEntry(name string, v any, path string) (*MemberEntry, bool) {
	obj, ok := asObject(v)
	if !ok {
		p.skip(path, "expected mapping")
		return nil, false
	}
	entry := &MemberEntry{
		Name:        name,
		Type:        p.stringField(obj, "type", path),
		Returns:     p.stringField(obj, "returns", path),
		StructType:  p.stringField(obj, "struct_type", path),
		Description: p.stringField(obj, "description", path),
		Source:      p.stringField(obj, "source", path),
		Params:      p.params(obj, path),
	}
	inline := p.memberMapField(obj, "functions", path)

	switch {
	case entry.Type == structTypeTag,
		entry.Type == "" && (entry.StructType != "" || inline != nil):
		entry.Kind = StructMember
		entry.Type = structTypeTag
		entry.Members = inline
	default:
		entry.Kind = ValueMember
	}
	return entry, true
}

func (p *schemaParser) params(obj object, path string) []Param {
	v, ok := obj.get("params")
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		p.skip(path+".params", "expected list")
		return nil
	}
	params := make([]Param, 0, len(list))
	for i, item := range list {
		ppath := fmt.Sprintf("%s.params[%d]", path, i)
		po, ok := asObject(item)
		if !ok {
			p.skip(ppath, "expected mapping")
			continue
		}
		params = append(params, Param{
			Name:        p.stringField(po, "name", ppath),
			Type:        p.stringField(po, "type", ppath),
			Optional:    p.boolField(po, "optional", ppath),
			Description: p.stringField(po, "description", ppath),
		})
	}
	return params
}
