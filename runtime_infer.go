// molangcomplete/runtime_infer.go
// Infers the runtime context of a document from a content directive or its file path.
package molangcomplete

import (
	"regexp"
	"strings"
)

const contentInferenceLineLimit = 10

var (
	contextDirectivePattern = regexp.MustCompile(`//\s*@context\s+(\S+)`)

	// Folder names whose next path segment names an event runtime.
	runtimePathMarkers = []string{"callbacks", "molang"}
)

// Inference sources, also used as metric labels.
const (
	InferredFromContent = "content"
	InferredFromPath    = "path"
	InferredFromFuzzy   = "fuzzy"
	InferredNone        = "none"
)

// InferRuntimeFromContent scans the first ten lines for a
// "// @context <id>" directive naming a known runtime.
func (e *Engine) InferRuntimeFromContent(text string) (string, bool) {
	id, ok := inferRuntimeFromContent(e.document(), text)
	if ok {
		e.metrics.observeInference(InferredFromContent)
	}
	return id, ok
}

// InferRuntimeFromPath guesses the runtime from marker folders, then from a
// fuzzy substring match against runtime ids in declaration order.
func (e *Engine) InferRuntimeFromPath(path string) (string, bool) {
	id, source := inferRuntimeFromPath(e.document(), path)
	if source == InferredNone {
		return "", false
	}
	e.metrics.observeInference(source)
	return id, true
}

// InferRuntime tries the content directive first and the path second. An empty
// result means the runtime is unknown and callers should use the merged query map.
func (e *Engine) InferRuntime(text, path string) (string, string) {
	doc := e.document()
	if id, ok := inferRuntimeFromContent(doc, text); ok {
		e.metrics.observeInference(InferredFromContent)
		return id, InferredFromContent
	}
	id, source := inferRuntimeFromPath(doc, path)
	e.metrics.observeInference(source)
	return id, source
}

func inferRuntimeFromContent(doc *SchemaDocument, text string) (string, bool) {
	if doc == nil || text == "" {
		return "", false
	}
	lines := strings.SplitN(text, "\n", contentInferenceLineLimit+1)
	if len(lines) > contentInferenceLineLimit {
		lines = lines[:contentInferenceLineLimit]
	}
	for _, line := range lines {
		m := contextDirectivePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if doc.HasRuntime(m[1]) {
			return m[1], true
		}
	}
	return "", false
}

func inferRuntimeFromPath(doc *SchemaDocument, path string) (string, string) {
	if doc == nil || path == "" {
		return "", InferredNone
	}
	normalized := strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
	segments := strings.Split(normalized, "/")

	for _, marker := range runtimePathMarkers {
		// The segment after the marker must itself be a folder.
		for i := 0; i+2 < len(segments); i++ {
			if segments[i] != marker || segments[i+1] == "" {
				continue
			}
			id := "event:" + strings.ToUpper(segments[i+1])
			if doc.HasRuntime(id) {
				return id, InferredFromPath
			}
			break
		}
	}

	for _, id := range doc.runtimeOrder {
		needle := fuzzyRuntimeKey(id)
		if needle != "" && strings.Contains(normalized, needle) {
			return id, InferredFromFuzzy
		}
	}
	return "", InferredNone
}

// fuzzyRuntimeKey strips the namespace prefix and underscores: "event:LEVEL_UP" -> "levelup".
func fuzzyRuntimeKey(id string) string {
	if _, rest, found := strings.Cut(id, ":"); found {
		id = rest
	}
	return strings.ToLower(strings.ReplaceAll(id, "_", ""))
}
