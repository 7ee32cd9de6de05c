package providers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"modelhub/internal/core"
)

// OpenAITools renders tool definitions in the tools array shape.
func OpenAITools(tools []core.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := map[string]any{"name": t.Function.Name}
		if t.Function.Description != "" {
			fn["description"] = t.Function.Description
		}
		if t.Function.Parameters != nil {
			fn["parameters"] = t.Function.Parameters
		}
		typ := t.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, map[string]any{"type": typ, "function": fn})
	}
	return out
}

// OpenAIToolCalls renders assistant tool calls for a request message.
func OpenAIToolCalls(calls []core.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		typ := c.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, map[string]any{
			"id":   c.ID,
			"type": typ,
			"function": map[string]any{
				"name":      c.Function.Name,
				"arguments": c.Function.Arguments,
			},
		})
	}
	return out
}

// ToolCatalogue renders a natural-language tool list for vendors without
// native tool calling. The model is asked to answer with a fenced JSON block
// that RecoverToolCalls understands.
func ToolCatalogue(tools []core.ToolDefinition, choice any) string {
	var sb strings.Builder
	sb.WriteString("You can call the following tools.\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s", t.Function.Name)
		if t.Function.Description != "" {
			fmt.Fprintf(&sb, ": %s", t.Function.Description)
		}
		if t.Function.Parameters != nil {
			if raw, err := json.Marshal(t.Function.Parameters); err == nil {
				fmt.Fprintf(&sb, "\n  parameters: %s", raw)
			}
		}
		sb.WriteByte('\n')
	}
	if name, ok := core.ForcedFunctionName(choice); ok {
		fmt.Fprintf(&sb, "You must call the tool %q.\n", name)
	}
	sb.WriteString("To call a tool, reply with only a fenced JSON block:\n")
	sb.WriteString("```json\n{\"name\": \"<tool name>\", \"arguments\": {}}\n```\n")
	sb.WriteString("Otherwise answer normally.")
	return sb.String()
}

// InjectToolCatalogue appends the catalogue to the first system message, or
// prepends a new one. msgs is not modified.
func InjectToolCatalogue(msgs []core.Message, tools []core.ToolDefinition, choice any) []core.Message {
	catalogue := ToolCatalogue(tools, choice)
	out := make([]core.Message, 0, len(msgs)+1)
	injected := false
	for _, m := range msgs {
		if !injected && m.Role == core.RoleSystem {
			text := m.Text() + "\n\n" + catalogue
			m.Content = &text
			injected = true
		}
		out = append(out, m)
	}
	if !injected {
		out = append([]core.Message{core.SystemMessage(catalogue)}, out...)
	}
	return out
}

// RecoverToolCalls scans text for fenced JSON blocks describing tool calls.
// Accepted shapes: {"name", "arguments"|"parameters"}, {"function": {...}},
// {"tool_calls": [...]}, or an array of these.
func RecoverToolCalls(text string) []core.ToolCall {
	var calls []core.ToolCall
	for _, block := range fencedBlocks(text) {
		if !gjson.Valid(block) {
			continue
		}
		calls = append(calls, toolCallsFromJSON(gjson.Parse(block))...)
	}
	return calls
}

func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return blocks
		}
		rest = rest[start+3:]
		// skip the info string ("json")
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
}

func toolCallsFromJSON(v gjson.Result) []core.ToolCall {
	if v.IsArray() {
		var out []core.ToolCall
		for _, item := range v.Array() {
			out = append(out, toolCallsFromJSON(item)...)
		}
		return out
	}
	if !v.IsObject() {
		return nil
	}
	if tc := v.Get("tool_calls"); tc.IsArray() {
		return parseToolCalls(tc)
	}
	fn := v
	if f := v.Get("function"); f.IsObject() {
		fn = f
	}
	name := fn.Get("name").String()
	if name == "" {
		return nil
	}
	args := fn.Get("arguments")
	if !args.Exists() {
		args = fn.Get("parameters")
	}
	if !args.Exists() {
		return nil
	}
	return []core.ToolCall{{
		ID:       "call_" + uuid.NewString(),
		Type:     "function",
		Function: core.FunctionCall{Name: name, Arguments: argumentsString(args)},
	}}
}

// ToolCallDelta is a partial tool call seen mid-stream.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ToolCallAccumulator merges streamed deltas by index.
type ToolCallAccumulator struct {
	calls map[int]*core.ToolCall
}

// Add merges a delta.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	if a.calls == nil {
		a.calls = make(map[int]*core.ToolCall)
	}
	c, ok := a.calls[d.Index]
	if !ok {
		c = &core.ToolCall{Type: "function"}
		a.calls[d.Index] = c
	}
	if d.ID != "" {
		c.ID = d.ID
	}
	if d.Name != "" {
		c.Function.Name += d.Name
	}
	c.Function.Arguments += d.Arguments
}

// Calls returns the merged calls ordered by index.
func (a *ToolCallAccumulator) Calls() []core.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]core.ToolCall, 0, len(idx))
	for _, i := range idx {
		c := *a.calls[i]
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if c.Function.Arguments == "" {
			c.Function.Arguments = "{}"
		}
		out = append(out, c)
	}
	return out
}

// parseToolCallDeltas reads OpenAI-style streamed tool_calls.
func parseToolCallDeltas(doc gjson.Result) []ToolCallDelta {
	var arr gjson.Result
	for _, scope := range scopes(doc) {
		for _, p := range ToolCallPaths {
			if a := scope.Get(p); a.IsArray() {
				arr = a
				break
			}
		}
		if arr.Exists() {
			break
		}
	}
	if !arr.Exists() {
		return nil
	}
	var out []ToolCallDelta
	for i, tc := range arr.Array() {
		index := i
		if v := tc.Get("index"); v.Exists() {
			index = int(v.Int())
		}
		args := tc.Get("function.arguments")
		argStr := ""
		if args.Exists() {
			argStr = argumentsString(args)
		}
		out = append(out, ToolCallDelta{
			Index:     index,
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: argStr,
		})
	}
	return out
}
