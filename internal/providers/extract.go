package providers

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"modelhub/internal/core"
)

// ContentPaths are tried in order on choices.0 and then on the document root.
var ContentPaths = []string{"content", "text", "delta.content", "delta.text", "message.content"}

// ToolCallPaths are tried in the same order as ContentPaths.
var ToolCallPaths = []string{"tool_calls", "message.tool_calls", "delta.tool_calls"}

// usagePaths lists (prompt, completion) pairs across vendor shapes.
var usagePaths = [][2]string{
	{"usage.prompt_tokens", "usage.completion_tokens"},
	{"usage.input_tokens", "usage.output_tokens"},
	{"prompt_eval_count", "eval_count"},
	{"metadata.usage.prompt_tokens", "metadata.usage.completion_tokens"},
}

func scopes(doc gjson.Result) []gjson.Result {
	out := make([]gjson.Result, 0, 2)
	if first := doc.Get("choices.0"); first.Exists() {
		out = append(out, first)
	}
	return append(out, doc)
}

// ExtractContent returns the first string found at paths, evaluated on
// choices.0 and then the root. extra paths are tried on the root last.
func ExtractContent(doc gjson.Result, extra ...string) (string, bool) {
	for _, scope := range scopes(doc) {
		for _, p := range ContentPaths {
			if v := scope.Get(p); v.Type == gjson.String {
				return v.Str, true
			}
		}
	}
	for _, p := range extra {
		if v := doc.Get(p); v.Type == gjson.String {
			return v.Str, true
		}
	}
	return "", false
}

// ExtractToolCalls returns tool calls from the first matching array, or a
// lone function_call normalized to a one-element list with a generated id.
func ExtractToolCalls(doc gjson.Result) []core.ToolCall {
	for _, scope := range scopes(doc) {
		for _, p := range ToolCallPaths {
			if arr := scope.Get(p); arr.IsArray() && len(arr.Array()) > 0 {
				return parseToolCalls(arr)
			}
		}
	}
	for _, scope := range scopes(doc) {
		for _, p := range []string{"function_call", "message.function_call", "delta.function_call"} {
			if fc := scope.Get(p); fc.IsObject() && fc.Get("name").String() != "" {
				return []core.ToolCall{{
					ID:   "call_" + uuid.NewString(),
					Type: "function",
					Function: core.FunctionCall{
						Name:      fc.Get("name").String(),
						Arguments: argumentsString(fc.Get("arguments")),
					},
				}}
			}
		}
	}
	return nil
}

func parseToolCalls(arr gjson.Result) []core.ToolCall {
	var calls []core.ToolCall
	arr.ForEach(func(_, tc gjson.Result) bool {
		name := tc.Get("function.name").String()
		if name == "" {
			name = tc.Get("name").String()
		}
		args := tc.Get("function.arguments")
		if !args.Exists() {
			args = tc.Get("arguments")
		}
		id := tc.Get("id").String()
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		typ := tc.Get("type").String()
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, core.ToolCall{
			ID:       id,
			Type:     typ,
			Function: core.FunctionCall{Name: name, Arguments: argumentsString(args)},
		})
		return true
	})
	return calls
}

// argumentsString keeps string arguments as-is and re-serializes objects.
func argumentsString(v gjson.Result) string {
	switch {
	case !v.Exists():
		return "{}"
	case v.Type == gjson.String:
		return v.Str
	default:
		return v.Raw
	}
}

// ExtractUsage reads token counts from the first vendor shape present.
func ExtractUsage(doc gjson.Result) core.TokenUsage {
	for _, pair := range usagePaths {
		p, c := doc.Get(pair[0]), doc.Get(pair[1])
		if p.Exists() || c.Exists() {
			return core.NewTokenUsage(int(p.Int()), int(c.Int()))
		}
	}
	return core.TokenUsage{}
}

// ExtractCreatedAt converts a seconds timestamp to millis, or uses now.
func ExtractCreatedAt(doc gjson.Result, now func() time.Time) int64 {
	if c := doc.Get("created"); c.Exists() && c.Int() > 0 {
		return c.Int() * 1000
	}
	if c := doc.Get("created_at"); c.Type == gjson.Number && c.Int() > 0 {
		return c.Int() * 1000
	}
	return now().UnixMilli()
}

// FirstString returns the first non-empty string at paths.
func FirstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
