package core

import (
	"fmt"
	"maps"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
	// RoleHuman is accepted on input and normalized to RoleUser.
	RoleHuman Role = "human"
)

// Normalize maps aliases onto the canonical role vocabulary.
func (r Role) Normalize() Role {
	if r == RoleHuman {
		return RoleUser
	}
	return r
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleFunction, RoleHuman:
		return true
	}
	return false
}

// Params is the free-form parameter map accepted by every call.
type Params map[string]any

// Clone returns a shallow copy; nil stays nil.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Merge overlays call parameters on top of defaults without mutating either.
func Merge(defaults, call Params) Params {
	out := make(Params, len(defaults)+len(call))
	maps.Copy(out, defaults)
	maps.Copy(out, call)
	return out
}

// String returns the string value of key, or "" when absent or not a string.
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Bool interprets key as a boolean. Strings "true"/"false" are accepted.
func (p Params) Bool(key string) (value, ok bool) {
	switch v := p[key].(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Int interprets key as an integer; JSON numbers decode as float64.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

// FunctionDef describes a callable function offered to the model.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolDefinition is a tool the model may call. Type is always "function".
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// NewFunctionTool creates a function tool definition.
func NewFunctionTool(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type:     "function",
		Function: FunctionDef{Name: name, Description: description, Parameters: parameters},
	}
}

// FunctionCall is the function invocation inside a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-issued request to invoke a named function.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is a single chat turn.
type Message struct {
	Role Role `json:"role"`
	// Content is nil when the message only carries tool calls.
	Content    *string    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Text returns the content or "" when nil.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Validate checks role-specific requirements.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return NewInvalidRequestError(fmt.Sprintf("unknown message role %q", m.Role), nil)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return NewInvalidRequestError("tool message requires tool_call_id", nil)
	}
	if len(m.ToolCalls) > 0 && m.Role.Normalize() != RoleAssistant {
		return NewInvalidRequestError("only assistant messages may carry tool calls", nil)
	}
	if m.Content == nil && len(m.ToolCalls) == 0 {
		return NewInvalidRequestError(fmt.Sprintf("%s message has no content", m.Role), nil)
	}
	return nil
}

// SystemMessage creates a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: &content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: &content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: &content}
}

// AssistantToolCalls creates an assistant message that only carries tool calls.
func AssistantToolCalls(calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// ToolMessage creates the result message for a tool call.
func ToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: &content, ToolCallID: toolCallID}
}

// TokenUsage represents token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewTokenUsage computes the total from its parts.
func NewTokenUsage(prompt, completion int) TokenUsage {
	return TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// ModelResponse is the vendor-neutral result of a discrete call.
type ModelResponse struct {
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Usage      TokenUsage     `json:"usage"`
	ModelID    string         `json:"model_id"`
	ResponseID string         `json:"response_id,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// HasToolCalls reports whether the model asked for tool invocations.
func (r *ModelResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ModelInfo describes a live model instance.
type ModelInfo struct {
	ModelID       string `json:"model_id"`
	Vendor        Vendor `json:"vendor"`
	Endpoint      string `json:"endpoint"`
	DefaultModel  string `json:"default_model"`
	StreamSupport bool   `json:"stream_support"`
	NativeTools   bool   `json:"native_tools"`
}
