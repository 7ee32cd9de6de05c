package providers

import (
	"encoding/json"

	"modelhub/internal/core"
)

// OpenAIMessages returns the OpenAI-compatible message hook. roleMap renames
// roles (for example tool to function); nil keeps them.
func OpenAIMessages(roleMap map[core.Role]core.Role) func(rc *RequestContext) error {
	return func(rc *RequestContext) error {
		out := make([]map[string]any, 0, len(rc.Messages))
		for _, m := range rc.Messages {
			role := m.Role.Normalize()
			if mapped, ok := roleMap[role]; ok {
				role = mapped
			}
			msg := map[string]any{"role": string(role)}
			if m.Content != nil {
				msg["content"] = *m.Content
			} else {
				msg["content"] = nil
			}
			if m.Name != "" {
				msg["name"] = m.Name
			}
			if m.ToolCallID != "" {
				msg["tool_call_id"] = m.ToolCallID
			}
			if len(m.ToolCalls) > 0 {
				msg["tool_calls"] = OpenAIToolCalls(m.ToolCalls)
			}
			out = append(out, msg)
		}
		rc.Body["messages"] = out
		return nil
	}
}

// OpenAIToolsHook attaches tools and tool_choice in the OpenAI shape.
func OpenAIToolsHook(rc *RequestContext) error {
	rc.Body["tools"] = OpenAITools(rc.Request.Tools)
	if rc.Request.ToolChoice != nil {
		rc.Body["tool_choice"] = rc.Request.ToolChoice
	}
	return nil
}

// FoldedMessage is the text a role without a native equivalent is folded into.
type FoldedMessage struct {
	Role   core.Role
	Prefix string
}

// FoldRoles converts messages for vendors lacking some roles: each role in
// fold becomes the target role with a text prefix. Tool calls on assistant
// messages are rendered as text.
func FoldRoles(msgs []core.Message, fold map[core.Role]FoldedMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role.Normalize()
		text := m.Text()
		if f, ok := fold[role]; ok {
			role = f.Role
			text = f.Prefix + text
		}
		if len(m.ToolCalls) > 0 {
			text = appendToolCallText(text, m.ToolCalls)
		}
		out = append(out, map[string]any{"role": string(role), "content": text})
	}
	return out
}

func appendToolCallText(text string, calls []core.ToolCall) string {
	for _, c := range calls {
		var args any = json.RawMessage("{}")
		if json.Valid([]byte(c.Function.Arguments)) {
			args = json.RawMessage(c.Function.Arguments)
		} else if c.Function.Arguments != "" {
			args = c.Function.Arguments
		}
		raw, err := json.Marshal(map[string]any{"name": c.Function.Name, "arguments": args})
		if err != nil {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += "```json\n" + string(raw) + "\n```"
	}
	return text
}
