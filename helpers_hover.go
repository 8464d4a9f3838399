// molangcomplete/helpers_hover.go
// Contains helper functions specifically for generating hover information.
package molangcomplete

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

var hoverChainPattern = regexp.MustCompile(`^(q|query|v|variable|t|temp|f|function|c|context|math)((?:\.[a-zA-Z_][a-zA-Z0-9_]*)+)$`)

var keywordDocs = map[string]string{
	"fn":       "`fn('name', (params) -> { body })`\n\nDefines a named function that can be called with `f.name()`.",
	"if":       "`if (condition) { then } else { otherwise }`\n\nConditional execution. Returns the value of the executed branch.",
	"else":     "Part of an `if/else` statement.",
	"switch":   "`switch(value, case1, { result1 }, case2, { result2 }, { default })`\n\nPattern matching on a value.",
	"while":    "`while(condition, { body })`\n\nLoop that executes body while condition is truthy.",
	"struct":   "`struct()`\n\nCreates a structured data object.",
	"import":   "`import('namespace:path')`\n\nImports a MoLang script from `data/{namespace}/molang/{path}.molang`.",
	"return":   "Returns a value from the current function or script.",
	"break":    "Breaks out of the current loop.",
	"continue": "Skips to the next iteration of the current loop.",
	"for":      "`for (init; condition; step) { body }`\n\nLoop with initialization, condition, and step.",
	"default":  "Default case in a switch statement.",
}

// HoverInfo is the rendered documentation for the symbol under the cursor.
// Start and End are byte offsets of the hovered text.
type HoverInfo struct {
	Kind       MarkupKind
	Contents   string
	Start, End int
}

// ============================================================================
// Hover
// ============================================================================

// Hover documents the dot chain or keyword at byte offset. markdown selects
// the content format; plain text is derived from the same markdown.
func (s *Service) Hover(ctx context.Context, path, text string, offset int, markdown bool) (*HoverInfo, error) {
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
	hoverLogger := s.logger.With("operation", "Hover", "path", path, "offset", offset)

	var (
		doc        string
		start, end int
	)
	chain, cStart, cEnd, ok := extractChainAt(text, offset)
	if ok {
		doc = s.chainDoc(engine, chain, text, path, hoverLogger)
		start, end = cStart, cEnd
	} else if word, wStart, wEnd, found := wordAt(text, offset); found {
		doc = keywordDocs[word]
		start, end = wStart, wEnd
	}
	if doc == "" {
		return nil, nil
	}

	info := &HoverInfo{Kind: MarkupKindMarkdown, Contents: doc, Start: start, End: end}
	if !markdown {
		info.Kind = MarkupKindPlainText
		info.Contents = markdownToPlainText(doc, hoverLogger)
	}
	return info, nil
}

func (s *Service) chainDoc(engine *Engine, chain, text, path string, logger *slog.Logger) string {
	m := hoverChainPattern.FindStringSubmatch(chain)
	if m == nil {
		return ""
	}
	prefix := normalizePrefix(m[1])
	parts := splitChain(m[2])

	switch prefix {
	case "math":
		if entry, ok := engine.MathFunctions().Get(parts[0]); ok {
			return memberHoverMarkdown(mathNamespace+"."+parts[0], entry)
		}
	case "q":
		runtimeID, _ := engine.InferRuntime(text, path)
		logger.Debug("Resolving hover chain", "runtime", runtimeID, "parts", parts)
		if entry, ok := engine.ResolveFunction(runtimeID, parts); ok {
			return memberHoverMarkdown("q."+strings.Join(parts, "."), entry)
		}
		if len(parts) == 1 {
			if entry, ok := engine.GeneralFunctions().Get(parts[0]); ok {
				return memberHoverMarkdown("q."+parts[0], entry)
			}
		}
	case "c":
		runtimeID, _ := engine.InferRuntime(text, path)
		if runtimeID == "" || len(parts) != 1 {
			return ""
		}
		if entry, ok := engine.GetRuntimeQueryVariables(runtimeID).Get(parts[0]); ok {
			return memberHoverMarkdown("c."+parts[0], entry)
		}
	}
	return ""
}

// ============================================================================
// Text Scanning
// ============================================================================

func isIdentByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// extractChainAt returns the dotted chain around offset: backwards over
// identifier bytes and dots, forwards over identifier bytes only.
func extractChainAt(text string, offset int) (chain string, start, end int, ok bool) {
	start = offset
	for start > 0 && (isIdentByte(text[start-1]) || text[start-1] == '.') {
		start--
	}
	end = offset
	for end < len(text) && isIdentByte(text[end]) {
		end++
	}
	if start >= end {
		return "", 0, 0, false
	}
	chain = text[start:end]
	if !strings.Contains(chain, ".") {
		return "", 0, 0, false
	}
	return chain, start, end, true
}

// wordAt returns the identifier touching offset.
func wordAt(text string, offset int) (word string, start, end int, ok bool) {
	start = offset
	for start > 0 && isIdentByte(text[start-1]) {
		start--
	}
	end = offset
	for end < len(text) && isIdentByte(text[end]) {
		end++
	}
	if start >= end {
		return "", 0, 0, false
	}
	return text[start:end], start, end, true
}

// ============================================================================
// Documentation Formatting
// ============================================================================

// paramSignature renders "a: Number, b: String?".
func paramSignature(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		name := p.Name
		if name == "" {
			name = "?"
		}
		if p.Type != "" {
			name += ": " + p.Type
		}
		if p.Optional {
			name += "?"
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, ", ")
}

func writeSignatureBlock(b *strings.Builder, fullName string, entry *MemberEntry, fallback string) {
	ret := entry.ResultType()
	if ret == "" {
		ret = fallback
	}
	b.WriteString("```molang\n")
	if sig := paramSignature(entry.Params); sig != "" {
		fmt.Fprintf(b, "%s(%s) → %s", fullName, sig, ret)
	} else {
		fmt.Fprintf(b, "%s → %s", fullName, ret)
	}
	b.WriteString("\n```")
}

// memberSummaryMarkdown is the short documentation attached to completion items.
func memberSummaryMarkdown(name string, entry *MemberEntry) string {
	var b strings.Builder
	writeSignatureBlock(&b, name, entry, "")
	if entry.Description != "" {
		b.WriteString("\n\n" + entry.Description)
	}
	if entry.Source != "" {
		b.WriteString("\n\n*Source: " + entry.Source + "*")
	}
	return b.String()
}

// memberHoverMarkdown is the full hover documentation of a member.
func memberHoverMarkdown(fullName string, entry *MemberEntry) string {
	var b strings.Builder
	writeSignatureBlock(&b, fullName, entry, "Unknown")
	if entry.Description != "" {
		b.WriteString("\n\n" + entry.Description)
	}
	if entry.Source != "" {
		b.WriteString("\n\n*Source: " + entry.Source + "*")
	}
	if entry.StructType != "" {
		b.WriteString("\n\n*Struct type: `" + entry.StructType + "`*")
	}
	if len(entry.Params) > 0 {
		b.WriteString("\n\n**Parameters:**\n")
		for _, p := range entry.Params {
			name := p.Name
			if name == "" {
				name = "?"
			}
			fmt.Fprintf(&b, "\n- `%s`: %s", name, p.Type)
			if p.Optional {
				b.WriteString(" *(optional)*")
			}
			if p.Description != "" {
				b.WriteString(" - " + p.Description)
			}
		}
	}
	return b.String()
}

// markdownToPlainText flattens markdown for clients without markdown support.
func markdownToPlainText(md string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	source := []byte(md)
	root := goldmark.DefaultParser().Parse(gmtext.NewReader(source))

	var out bytes.Buffer
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
				out.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			out.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				out.WriteByte('\n')
			}
		case *ast.String:
			out.Write(node.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				out.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		logger.Warn("Failed to flatten markdown, returning source", "error", err)
		return md
	}
	return strings.TrimSpace(out.String())
}
