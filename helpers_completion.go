// molangcomplete/helpers_completion.go
// Builds completion items for the text before the cursor.
package molangcomplete

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

var (
	completionChainPattern   = regexp.MustCompile(`(?:^|[^a-zA-Z0-9_])(q|query|v|variable|t|temp|f|function|c|context|math)((?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\.$`)
	contextAnnotationPattern = regexp.MustCompile(`//\s*@context\s+(\S*)$`)
	fnDefinitionPattern      = regexp.MustCompile(`fn\s*\(\s*'([^']+)'`)
	tempUsagePattern         = regexp.MustCompile(`\b(?:t|temp)\.([a-zA-Z_][a-zA-Z0-9_]*)`)
	variableUsagePattern     = regexp.MustCompile(`\b(?:v|variable)\.([a-zA-Z_][a-zA-Z0-9_]*)`)
)

var (
	molangKeywords = []string{
		"fn", "if", "else", "switch", "while", "struct", "import",
		"return", "break", "continue", "for", "default", "true", "false",
	}
	molangPrefixes = []string{"q", "v", "t", "f", "c", "math"}
)

// normalizePrefix maps long prefix spellings to their short form.
func normalizePrefix(raw string) string {
	switch raw {
	case "query":
		return "q"
	case "variable":
		return "v"
	case "temp":
		return "t"
	case "function":
		return "f"
	case "context":
		return "c"
	default:
		return raw
	}
}

// splitChain turns ".a.b" into ["a", "b"].
func splitChain(dotted string) []string {
	dotted = strings.TrimPrefix(dotted, ".")
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, ".")
}

// linePrefixAt returns the text between the start of the cursor's line and offset.
func linePrefixAt(text string, offset int) string {
	offset = max(0, min(offset, len(text)))
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	return text[start:offset]
}

// Complete returns completion items for the cursor at byte offset in text.
// path is only used to infer the runtime context.
func (s *Service) Complete(ctx context.Context, path, text string, offset int, snippets bool) ([]CompletionItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || offset > len(text) {
		return nil, fmt.Errorf("%w: offset %d outside document of length %d", ErrPositionOutOfRange, offset, len(text))
	}
	engine := s.Engine()
	if !engine.IsLoaded() {
		return nil, nil
	}
	logger := s.logger.With("operation", "Complete", "path", path, "offset", offset)
	snippets = snippets && s.GetCurrentConfig().SnippetSupport

	before := linePrefixAt(text, offset)
	runtimeID, source := engine.InferRuntime(text, path)
	logger.Debug("Inferred runtime for completion", "runtime", runtimeID, "source", source)

	if contextAnnotationPattern.MatchString(before) {
		return runtimeItems(engine.GetRuntimeNames()), nil
	}

	m := completionChainPattern.FindStringSubmatch(before)
	if m == nil {
		return bareItems(), nil
	}
	prefix := normalizePrefix(m[1])
	chain := splitChain(m[2])
	logger.Debug("Matched completion chain", "prefix", prefix, "chain", chain)

	switch prefix {
	case "q":
		return s.queryItems(engine, runtimeID, chain, snippets), nil
	case "math":
		if len(chain) > 0 {
			return nil, nil
		}
		return memberItems(engine.MathFunctions(), func(*MemberEntry) string { return "0" }, snippets), nil
	case "t":
		return usageItems(scanUsages(text, tempUsagePattern), CompletionItemKindVariable, "Temp"), nil
	case "v":
		return usageItems(scanUsages(text, variableUsagePattern), CompletionItemKindField, "Variable"), nil
	case "f":
		return s.functionItems(ctx, text, snippets, logger), nil
	case "c":
		if runtimeID == "" {
			return nil, nil
		}
		var items []CompletionItem
		for _, name := range engine.GetRuntimeQueryVariables(runtimeID).Names() {
			items = append(items, CompletionItem{Label: name, Kind: CompletionItemKindProperty, Detail: "Context"})
		}
		return items, nil
	}
	return nil, nil
}

func (s *Service) queryItems(engine *Engine, runtimeID string, chain []string, snippets bool) []CompletionItem {
	if len(chain) == 0 {
		items := memberItems(engine.QueryVariables(runtimeID), func(e *MemberEntry) string {
			if e.Type == structTypeTag {
				return "0"
			}
			return "1"
		}, snippets)
		return append(items, memberItems(engine.GeneralFunctions(), func(*MemberEntry) string { return "2" }, snippets)...)
	}
	res, ok := engine.ResolveChain(runtimeID, chain)
	if !ok {
		return nil
	}
	return memberItems(res.Members, func(*MemberEntry) string { return "0" }, snippets)
}

func (s *Service) functionItems(ctx context.Context, text string, snippets bool, logger *slog.Logger) []CompletionItem {
	names := scanFnDefinitions(text)
	if idx := s.Index(); idx != nil {
		indexed, err := idx.Names(ctx)
		if err != nil {
			logger.Warn("Function index lookup failed", "error", err)
		}
		for _, name := range indexed {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	items := make([]CompletionItem, 0, len(names))
	for _, name := range names {
		item := CompletionItem{Label: name, Kind: CompletionItemKindFunction, Detail: "fn()"}
		if snippets {
			item.InsertText = name + "($0)"
			item.InsertTextFormat = SnippetFormat
		}
		items = append(items, item)
	}
	return items
}

func runtimeItems(ids []string) []CompletionItem {
	items := make([]CompletionItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, CompletionItem{
			Label:    id,
			Kind:     CompletionItemKindConstant,
			Detail:   "runtime context",
			SortText: "0" + id,
		})
	}
	return items
}

func bareItems() []CompletionItem {
	items := make([]CompletionItem, 0, len(molangKeywords)+len(molangPrefixes))
	for _, kw := range molangKeywords {
		items = append(items, CompletionItem{Label: kw, Kind: CompletionItemKindKeyword, SortText: "0" + kw})
	}
	for _, p := range molangPrefixes {
		items = append(items, CompletionItem{
			Label:      p,
			Kind:       CompletionItemKindModule,
			Detail:     "prefix",
			InsertText: p + ".",
			Command:    &Command{Command: "editor.action.triggerSuggest"},
			SortText:   "1" + p,
		})
	}
	return items
}

func usageItems(names []string, kind CompletionItemKind, detail string) []CompletionItem {
	items := make([]CompletionItem, 0, len(names))
	for _, name := range names {
		items = append(items, CompletionItem{Label: name, Kind: kind, Detail: detail})
	}
	return items
}

func memberItems(members *MemberMap, sortPrefix func(*MemberEntry) string, snippets bool) []CompletionItem {
	items := make([]CompletionItem, 0, members.Len())
	for name, entry := range members.All() {
		items = append(items, makeMemberItem(name, entry, sortPrefix(entry), snippets))
	}
	return items
}

// makeMemberItem builds the completion item for one schema member.
func makeMemberItem(name string, entry *MemberEntry, sortPrefix string, snippets bool) CompletionItem {
	item := CompletionItem{
		Label:         name,
		Kind:          completionKindForType(entry.Type),
		Detail:        memberDetail(entry),
		Documentation: &MarkupContent{Kind: MarkupKindMarkdown, Value: memberSummaryMarkdown(name, entry)},
		SortText:      sortPrefix + name,
	}
	if snippets && len(entry.Params) > 0 {
		placeholders := make([]string, len(entry.Params))
		for i, p := range entry.Params {
			label := p.Name
			if label == "" {
				label = fmt.Sprintf("arg%d", i+1)
			}
			placeholders[i] = fmt.Sprintf("${%d:%s}", i+1, label)
		}
		item.InsertText = name + "(" + strings.Join(placeholders, ", ") + ")"
		item.InsertTextFormat = SnippetFormat
	}
	return item
}

func completionKindForType(typeTag string) CompletionItemKind {
	switch typeTag {
	case "Number":
		return CompletionItemKindField
	case "String":
		return CompletionItemKindVariable
	case structTypeTag:
		return CompletionItemKindClass
	case "Unit", "Void":
		return CompletionItemKindMethod
	default:
		return CompletionItemKindFunction
	}
}

func memberDetail(entry *MemberEntry) string {
	detail := entry.ResultType()
	if entry.StructType != "" {
		detail += " (" + entry.StructType + ")"
	}
	return detail
}

// scanUsages returns distinct captured names in order of first appearance.
func scanUsages(text string, pattern *regexp.Regexp) []string {
	var names []string
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// scanFnDefinitions returns the names of fn('name', ...) definitions in text.
func scanFnDefinitions(text string) []string {
	return scanUsages(text, fnDefinitionPattern)
}
