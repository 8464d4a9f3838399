// molangcomplete/schema_document.go
// Defines the immutable schema model: member entries, ordered member maps,
// struct/function-set/runtime/composition definitions and the document that holds them.
package molangcomplete

import (
	"iter"
	"slices"
)

// =============================================================================
// Member Entries
// =============================================================================

// MemberKind discriminates the two shapes a schema member can take.
type MemberKind int

const (
	// ValueMember is terminal: it has a scalar/category tag and never has members.
	ValueMember MemberKind = iota
	// StructMember refers to a struct type and/or declares inline members.
	StructMember
)

func (k MemberKind) String() string {
	switch k {
	case ValueMember:
		return "value"
	case StructMember:
		return "struct"
	default:
		return "unknown"
	}
}

// structTypeTag is the schema type tag that marks a member as Struct-kind.
const structTypeTag = "Struct"

// Param describes one parameter of a callable member.
type Param struct {
	Name        string
	Type        string
	Optional    bool
	Description string
}

// MemberEntry is one node of the schema. Kind decides which fields are meaningful:
// Value members carry Type/Returns, Struct members carry StructType and/or Members.
type MemberEntry struct {
	Name        string
	Kind        MemberKind
	Type        string     // Type tag as declared ("Number", "String", "Struct", ...).
	Returns     string     // Optional return type text.
	StructType  string     // Referenced struct type; may be empty.
	Members     *MemberMap // Inline members (Struct kind only); nil when none were declared.
	Description string
	Source      string
	Params      []Param
}

// IsStruct reports whether the entry is Struct-kind.
func (e *MemberEntry) IsStruct() bool {
	return e != nil && e.Kind == StructMember
}

// HasInlineMembers reports whether the entry declares its own member map.
func (e *MemberEntry) HasInlineMembers() bool {
	return e.IsStruct() && e.Members != nil
}

// ResultType returns the text shown as the member's result: returns, then type.
func (e *MemberEntry) ResultType() string {
	if e == nil {
		return ""
	}
	if e.Returns != "" {
		return e.Returns
	}
	return e.Type
}

// =============================================================================
// Member Maps
// =============================================================================

// MemberMap is an immutable, insertion-ordered name -> *MemberEntry map.
// A nil *MemberMap behaves as an empty map.
type MemberMap struct {
	names   []string
	entries map[string]*MemberEntry
}

var emptyMemberMap = &MemberMap{entries: map[string]*MemberEntry{}}

// newMemberMap allocates a map for construction. Only the loader and the merge
// policy call add; once returned to callers a map is never modified.
func newMemberMap(capacity int) *MemberMap {
	return &MemberMap{
		names:   make([]string, 0, capacity),
		entries: make(map[string]*MemberEntry, capacity),
	}
}

// add inserts name if it is not present yet and reports whether it was inserted.
func (m *MemberMap) add(name string, entry *MemberEntry) bool {
	if _, exists := m.entries[name]; exists {
		return false
	}
	m.names = append(m.names, name)
	m.entries[name] = entry
	return true
}

// put inserts or overwrites name, keeping the position of an existing name.
func (m *MemberMap) put(name string, entry *MemberEntry) {
	if _, exists := m.entries[name]; !exists {
		m.names = append(m.names, name)
	}
	m.entries[name] = entry
}

// Get returns the entry for name.
func (m *MemberMap) Get(name string) (*MemberEntry, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.entries[name]
	return e, ok
}

// Has reports whether name is present.
func (m *MemberMap) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Len returns the number of members.
func (m *MemberMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.names)
}

// Names returns the member names in insertion order.
func (m *MemberMap) Names() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.names)
}

// All iterates members in insertion order.
func (m *MemberMap) All() iter.Seq2[string, *MemberEntry] {
	return func(yield func(string, *MemberEntry) bool) {
		if m == nil {
			return
		}
		for _, name := range m.names {
			if !yield(name, m.entries[name]) {
				return
			}
		}
	}
}

// mergeFirstWins merges sources ranked most- to least-specific with
// insert-if-absent semantics: the first source that defines a name wins.
// A single non-empty source is returned as is since maps are immutable.
func mergeFirstWins(sources ...*MemberMap) *MemberMap {
	var nonEmpty []*MemberMap
	total := 0
	for _, src := range sources {
		if src.Len() > 0 {
			nonEmpty = append(nonEmpty, src)
			total += src.Len()
		}
	}
	switch len(nonEmpty) {
	case 0:
		return emptyMemberMap
	case 1:
		return nonEmpty[0]
	}
	merged := newMemberMap(total)
	for _, src := range nonEmpty {
		for name, entry := range src.All() {
			merged.add(name, entry)
		}
	}
	return merged
}

// =============================================================================
// Definitions
// =============================================================================

// StructDef is a struct type's own member map before composition.
type StructDef struct {
	Name        string
	Description string
	Members     *MemberMap
}

// FunctionSetDef is a reusable bundle of members mixed into struct types.
type FunctionSetDef struct {
	Name        string
	Description string
	Members     *MemberMap
}

// RuntimeDef is one invocation context and its root query variables.
type RuntimeDef struct {
	ID          string
	Description string
	Category    string
	Query       *MemberMap
}

// CompositionDef lists, for one struct type, the registries merged into it
// (first listed wins) and custom members that only fill gaps.
type CompositionDef struct {
	StructType  string
	Description string
	Registries  []string
	Custom      *MemberMap
}

// Resolution is the outcome of a successful chain walk: the terminal entry
// (nil when the chain is a bare struct name) and the members available after it.
type Resolution struct {
	Entry   *MemberEntry
	Members *MemberMap
}

// =============================================================================
// Schema Document
// =============================================================================

// SchemaDocument is the immutable, loaded schema. All accessors are nil-safe so
// an unloaded document answers every query with an empty result.
type SchemaDocument struct {
	structs      map[string]*StructDef
	structOrder  []string
	functionSets map[string]*FunctionSetDef
	runtimes     map[string]*RuntimeDef
	runtimeOrder []string
	compositions map[string]*CompositionDef
}

func newSchemaDocument() *SchemaDocument {
	return &SchemaDocument{
		structs:      make(map[string]*StructDef),
		functionSets: make(map[string]*FunctionSetDef),
		runtimes:     make(map[string]*RuntimeDef),
		compositions: make(map[string]*CompositionDef),
	}
}

// RuntimeNames returns runtime ids in declaration order.
func (d *SchemaDocument) RuntimeNames() []string {
	if d == nil {
		return nil
	}
	return slices.Clone(d.runtimeOrder)
}

// StructNames returns struct names in declaration order.
func (d *SchemaDocument) StructNames() []string {
	if d == nil {
		return nil
	}
	return slices.Clone(d.structOrder)
}

// RuntimeContext returns the runtime with the given id.
func (d *SchemaDocument) RuntimeContext(id string) (*RuntimeDef, bool) {
	if d == nil {
		return nil, false
	}
	r, ok := d.runtimes[id]
	return r, ok
}

// HasRuntime reports whether id is a known runtime id.
func (d *SchemaDocument) HasRuntime(id string) bool {
	_, ok := d.RuntimeContext(id)
	return ok
}

// RuntimeQueryVariables returns the query variables of one runtime, empty when unknown.
func (d *SchemaDocument) RuntimeQueryVariables(id string) *MemberMap {
	r, ok := d.RuntimeContext(id)
	if !ok || r.Query == nil {
		return emptyMemberMap
	}
	return r.Query
}

// Struct returns the struct definition with the given name.
func (d *SchemaDocument) Struct(name string) (*StructDef, bool) {
	if d == nil {
		return nil, false
	}
	s, ok := d.structs[name]
	return s, ok
}

// FunctionSet returns the function set with the given name.
func (d *SchemaDocument) FunctionSet(name string) (*FunctionSetDef, bool) {
	if d == nil {
		return nil, false
	}
	f, ok := d.functionSets[name]
	return f, ok
}

// Composition returns the composition declared for a struct type.
func (d *SchemaDocument) Composition(structType string) (*CompositionDef, bool) {
	if d == nil {
		return nil, false
	}
	c, ok := d.compositions[structType]
	return c, ok
}
