package core

// ModelRequest is a single vendor-neutral call. Exactly one of Prompt or
// Messages is set; build it with NewRequest.
type ModelRequest struct {
	Prompt     string           `json:"prompt,omitempty"`
	Messages   []Message        `json:"messages,omitempty"`
	Params     Params           `json:"params,omitempty"`
	Stream     bool             `json:"stream,omitempty"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice any              `json:"tool_choice,omitempty"`
}

// IsChat reports whether the request carries a message list.
func (r *ModelRequest) IsChat() bool {
	return len(r.Messages) > 0
}

// HasTools reports whether tool definitions are attached.
func (r *ModelRequest) HasTools() bool {
	return len(r.Tools) > 0
}

// RequestBuilder assembles a ModelRequest.
type RequestBuilder struct {
	req       ModelRequest
	hasPrompt bool
}

// NewRequest starts a request builder.
func NewRequest() *RequestBuilder {
	return &RequestBuilder{}
}

// Prompt sets a bare prompt.
func (b *RequestBuilder) Prompt(prompt string) *RequestBuilder {
	b.req.Prompt = prompt
	b.hasPrompt = true
	return b
}

// Messages sets the message list.
func (b *RequestBuilder) Messages(msgs ...Message) *RequestBuilder {
	b.req.Messages = append([]Message(nil), msgs...)
	return b
}

// Params sets the call parameters. The map is copied.
func (b *RequestBuilder) Params(p Params) *RequestBuilder {
	b.req.Params = p.Clone()
	return b
}

// Param sets a single parameter.
func (b *RequestBuilder) Param(key string, value any) *RequestBuilder {
	if b.req.Params == nil {
		b.req.Params = Params{}
	}
	b.req.Params[key] = value
	return b
}

// Stream marks the request as streaming.
func (b *RequestBuilder) Stream(stream bool) *RequestBuilder {
	b.req.Stream = stream
	return b
}

// Tools attaches tool definitions.
func (b *RequestBuilder) Tools(tools ...ToolDefinition) *RequestBuilder {
	b.req.Tools = append([]ToolDefinition(nil), tools...)
	return b
}

// ToolChoice sets the tool-choice directive ("auto", "none", or a forced function).
func (b *RequestBuilder) ToolChoice(choice any) *RequestBuilder {
	b.req.ToolChoice = choice
	return b
}

// Build validates and returns the request. Messages win over a prompt when
// both were supplied.
func (b *RequestBuilder) Build() (*ModelRequest, error) {
	if len(b.req.Messages) == 0 && !b.hasPrompt {
		return nil, NewInvalidRequestError("request requires a prompt or messages", nil)
	}
	req := b.req
	if len(req.Messages) > 0 {
		req.Prompt = ""
		for i, m := range req.Messages {
			if err := m.Validate(); err != nil {
				return nil, err
			}
			req.Messages[i].Role = m.Role.Normalize()
		}
	}
	return &req, nil
}

// ForcedFunction returns the tool-choice value that forces a call to name.
func ForcedFunction(name string) map[string]any {
	return map[string]any{
		"type":     "function",
		"function": map[string]any{"name": name},
	}
}

// ForcedFunctionName extracts the function name from a forced tool choice.
func ForcedFunctionName(choice any) (string, bool) {
	m, ok := choice.(map[string]any)
	if !ok {
		return "", false
	}
	if fn, ok := m["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok && name != "" {
			return name, true
		}
	}
	if name, ok := m["name"].(string); ok && name != "" {
		return name, true
	}
	return "", false
}
