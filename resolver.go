// molangcomplete/resolver.go
// Chain resolution over the loaded schema: composed member maps, query-variable
// roots and the segment-by-segment walk used by completion and hover.
package molangcomplete

import (
	"log/slog"
	"time"
)

const (
	mathNamespace      = "math"             // Names a namespace, never a callable.
	generalFunctionSet = "generalFunctions" // Offered at the query root of every runtime.
	mergedQueryKey     = "query:*"          // Cache key of the all-runtimes query map.
)

// Engine answers structural and resolution queries against one SchemaHandle.
// Every query is a pure function of the loaded document and its inputs; misses
// are reported as empty maps or ok == false, never as errors.
type Engine struct {
	handle   *SchemaHandle
	logger   *slog.Logger
	cache    MemoryCache
	cacheTTL time.Duration
	metrics  *Metrics
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithMemoryCache memoizes composed member maps in cache.
func WithMemoryCache(cache MemoryCache, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cache = cache
		e.cacheTTL = ttl
	}
}

// WithMetrics records resolution outcomes in m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine over handle. The handle is expected to be loaded
// by the caller during startup; an unloaded handle makes every query empty.
func NewEngine(handle *SchemaHandle, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		handle:   handle,
		logger:   logger.With("component", "Engine"),
		cacheTTL: time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsLoaded reports whether the underlying schema is available.
func (e *Engine) IsLoaded() bool {
	return e.handle.IsLoaded()
}

// Handle returns the schema handle this engine reads.
func (e *Engine) Handle() *SchemaHandle {
	return e.handle
}

func (e *Engine) document() *SchemaDocument {
	return e.handle.Document()
}

// GetRuntimeNames returns runtime ids in declaration order.
func (e *Engine) GetRuntimeNames() []string {
	return e.document().RuntimeNames()
}

// GetStructNames returns struct names in declaration order.
func (e *Engine) GetStructNames() []string {
	return e.document().StructNames()
}

// GetRuntimeQueryVariables returns one runtime's query variables.
func (e *Engine) GetRuntimeQueryVariables(contextID string) *MemberMap {
	return e.document().RuntimeQueryVariables(contextID)
}

// QueryVariables returns the root map for contextID; an empty contextID selects
// the union of every runtime's map, later runtimes overwriting earlier ones.
func (e *Engine) QueryVariables(contextID string) *MemberMap {
	return e.queryVariables(e.document(), contextID)
}

func (e *Engine) queryVariables(doc *SchemaDocument, contextID string) *MemberMap {
	if doc == nil {
		return emptyMemberMap
	}
	if contextID != "" {
		return doc.RuntimeQueryVariables(contextID)
	}
	merged, _, _ := withMemoryCache(e.cache, mergedQueryKey, 0, e.cacheTTL, func() (*MemberMap, error) {
		out := newMemberMap(0)
		for _, id := range doc.runtimeOrder {
			for name, entry := range doc.RuntimeQueryVariables(id).All() {
				out.put(name, entry)
			}
		}
		return out, nil
	}, e.logger)
	return merged
}

// GetAllFunctionsForType returns the composed member map of structType: own
// members, then registries in declared order, then custom gap fillers, with the
// first source to define a name winning. Unknown types yield an empty map.
func (e *Engine) GetAllFunctionsForType(structType string) *MemberMap {
	doc := e.document()
	if doc == nil || structType == "" {
		return emptyMemberMap
	}
	members, hit, _ := withMemoryCache(e.cache, memberMapCacheKey(structType), 0, e.cacheTTL, func() (*MemberMap, error) {
		return composeMembers(doc, structType), nil
	}, e.logger)
	if e.cache != nil && e.cache.MemoryCacheEnabled() {
		e.metrics.observeMemberMapCache(hit)
	}
	return members
}

func composeMembers(doc *SchemaDocument, structType string) *MemberMap {
	var sources []*MemberMap
	if s, ok := doc.Struct(structType); ok {
		sources = append(sources, s.Members)
	}
	if c, ok := doc.Composition(structType); ok {
		for _, registry := range c.Registries {
			if set, ok := doc.FunctionSet(registry); ok {
				sources = append(sources, set.Members)
			}
		}
		sources = append(sources, c.Custom)
	}
	return mergeFirstWins(sources...)
}

// inlineOverComposed layers an entry's inline members over the composed map of structType.
func (e *Engine) inlineOverComposed(entry *MemberEntry, structType string) *MemberMap {
	return mergeFirstWins(entry.Members, e.GetAllFunctionsForType(structType))
}

// ResolveChain walks path from its root and returns the last entry together
// with the members available after it.
func (e *Engine) ResolveChain(contextID string, path []string) (Resolution, bool) {
	res, ok := e.resolveChain(e.document(), contextID, path)
	e.metrics.observeResolution("chain", ok)
	return res, ok
}

func (e *Engine) resolveChain(doc *SchemaDocument, contextID string, path []string) (Resolution, bool) {
	if doc == nil || len(path) == 0 {
		return Resolution{}, false
	}

	var (
		current     *MemberEntry
		currentType string
		staged      *MemberMap // consumed by the next step only
	)

	root := path[0]
	if entry, ok := e.queryVariables(doc, contextID).Get(root); ok {
		current = entry
		if entry.Kind == ValueMember {
			if len(path) > 1 {
				return Resolution{}, false
			}
			return Resolution{Entry: entry, Members: emptyMemberMap}, true
		}
		currentType = entry.StructType
		if currentType == "" {
			currentType = root
		}
		if entry.HasInlineMembers() {
			staged = e.inlineOverComposed(entry, currentType)
		}
	} else if _, ok := doc.Struct(root); ok {
		currentType = root
	} else {
		return Resolution{}, false
	}

	for i := 1; i < len(path); i++ {
		members := staged
		staged = nil
		if members == nil {
			members = e.GetAllFunctionsForType(currentType)
		}

		entry, ok := members.Get(path[i])
		if !ok {
			return Resolution{}, false
		}
		current = entry

		if entry.Kind == ValueMember {
			if i < len(path)-1 {
				return Resolution{}, false
			}
			return Resolution{Entry: entry, Members: emptyMemberMap}, true
		}

		currentType = entry.StructType
		if entry.HasInlineMembers() {
			staged = e.inlineOverComposed(entry, currentType)
		} else if currentType == "" {
			return Resolution{}, false
		}
	}

	members := staged
	if members == nil {
		members = e.GetAllFunctionsForType(currentType)
	}
	return Resolution{Entry: current, Members: members}, true
}

// ResolveFunction returns the single entry a full path names, for documentation.
func (e *Engine) ResolveFunction(contextID string, path []string) (*MemberEntry, bool) {
	entry, ok := e.resolveFunction(e.document(), contextID, path)
	e.metrics.observeResolution("function", ok)
	return entry, ok
}

func (e *Engine) resolveFunction(doc *SchemaDocument, contextID string, path []string) (*MemberEntry, bool) {
	if doc == nil || len(path) == 0 {
		return nil, false
	}
	if len(path) == 1 {
		if path[0] == mathNamespace {
			return nil, false
		}
		// A one-segment path has no prefix to resolve.
		if entry, ok := e.queryVariables(doc, contextID).Get(path[0]); ok {
			return entry, true
		}
		// A bare struct name resolves with no entry, so this only confirms absence.
		res, ok := e.resolveChain(doc, contextID, path)
		return res.Entry, ok && res.Entry != nil
	}
	parent, ok := e.resolveChain(doc, contextID, path[:len(path)-1])
	if !ok {
		return nil, false
	}
	return parent.Members.Get(path[len(path)-1])
}

// MathFunctions returns the members of the math namespace.
func (e *Engine) MathFunctions() *MemberMap {
	return e.GetAllFunctionsForType(mathNamespace)
}

// GeneralFunctions returns the function set offered at every query root.
func (e *Engine) GeneralFunctions() *MemberMap {
	set, ok := e.document().FunctionSet(generalFunctionSet)
	if !ok || set.Members == nil {
		return emptyMemberMap
	}
	return set.Members
}
