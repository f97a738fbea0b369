package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/averlon/parley/pkg/types"
)

// salvageShape is the inline tool-call form some models emit in plain content
// instead of using the structured tool-call API.
type salvageShape struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Arguments  json.RawMessage `json:"arguments"`
}

// SalvageToolCall extracts an inline tool call from free-form assistant text.
//
// Weak models sometimes answer a tool-enabled prompt with a raw JSON object of
// the shape {"name": "...", "parameters"|"arguments": {...}} in the content
// channel rather than a structured tool_calls field. SalvageToolCall scans
// content for the first balanced JSON object (string-aware, so braces inside
// string literals do not confuse the depth counter), parses it strictly, and
// synthesizes a [types.ToolCall] with a freshly generated id.
//
// It returns nil when no such object exists, when the object does not fully
// parse, when "name" is missing, or when the named tool is not in the active
// tool set. Anything short of a complete, valid match is treated as ordinary
// prose and left alone.
func SalvageToolCall(content string, activeTools []types.ToolDefinition) []types.ToolCall {
	if len(activeTools) == 0 {
		return nil
	}

	candidate := firstBalancedObject(content)
	if candidate == "" {
		return nil
	}

	var shape salvageShape
	dec := json.NewDecoder(strings.NewReader(candidate))
	if err := dec.Decode(&shape); err != nil {
		return nil
	}
	// Trailing garbage inside the candidate means the brace scan matched
	// something that is not a single JSON object.
	if dec.More() {
		return nil
	}
	if shape.Name == "" {
		return nil
	}

	args := shape.Arguments
	if args == nil {
		args = shape.Parameters
	}
	if args == nil {
		args = json.RawMessage("{}")
	}
	// Arguments must be a JSON object, not a scalar or array.
	if !isJSONObject(args) {
		return nil
	}

	if !toolKnown(shape.Name, activeTools) {
		return nil
	}

	return []types.ToolCall{{
		ID:        "salvaged-" + uuid.NewString(),
		Name:      shape.Name,
		Arguments: string(args),
	}}
}

// firstBalancedObject returns the substring of s spanning the first '{' to its
// matching '}', honouring JSON string literals and escape sequences. Returns
// "" when s contains no complete object.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// isJSONObject reports whether raw's first significant byte opens an object.
func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

// toolKnown reports whether name matches a definition in the active set.
// Models occasionally drop the host namespace, so a bare name also matches
// its qualified form.
func toolKnown(name string, tools []types.ToolDefinition) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
		if i := strings.LastIndexByte(t.Name, '.'); i >= 0 && t.Name[i+1:] == name {
			return true
		}
	}
	return false
}
