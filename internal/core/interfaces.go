package core

import (
	"context"
	"encoding/json"
)

// Model is the inbound contract every vendor model and decorator implements.
type Model interface {
	// Generate completes a bare prompt.
	Generate(ctx context.Context, prompt string, params Params) (*ModelResponse, error)

	// Chat completes a message list.
	Chat(ctx context.Context, messages []Message, params Params) (*ModelResponse, error)

	// GenerateStream streams the completion of a bare prompt.
	GenerateStream(ctx context.Context, prompt string, params Params) (*Stream, error)

	// ChatStream streams the completion of a message list.
	ChatStream(ctx context.Context, messages []Message, params Params) (*Stream, error)

	// Info describes the model instance.
	Info() ModelInfo

	// Status returns the current lifecycle state.
	Status() ModelStatus

	// Init prepares the instance (credentials, connectivity) and moves it to READY.
	Init(ctx context.Context) error

	// Close releases resources. The model ends OFFLINE.
	Close() error
}

// Parameter keys carrying tool definitions through a Params map.
const (
	ParamTools      = "tools"
	ParamToolChoice = "tool_choice"
)

// ToolsFromParams extracts tool definitions from params. Values may be typed
// ([]ToolDefinition) or decoded JSON ([]any of objects).
func ToolsFromParams(p Params) ([]ToolDefinition, error) {
	switch v := p[ParamTools].(type) {
	case nil:
		return nil, nil
	case []ToolDefinition:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, NewInvalidRequestError("tools: cannot encode", err)
		}
		var tools []ToolDefinition
		if err := json.Unmarshal(raw, &tools); err != nil {
			return nil, NewInvalidRequestError("tools: expected a list of function tools", err)
		}
		for i := range tools {
			if tools[i].Type == "" {
				tools[i].Type = "function"
			}
		}
		return tools, nil
	}
}

// BuildRequest turns a Generate/Chat call into a ModelRequest. Tool entries
// are lifted out of params.
func BuildRequest(prompt string, messages []Message, params Params, stream bool) (*ModelRequest, error) {
	tools, err := ToolsFromParams(params)
	if err != nil {
		return nil, err
	}
	rest := params.Clone()
	var choice any
	if rest != nil {
		choice = rest[ParamToolChoice]
		delete(rest, ParamTools)
		delete(rest, ParamToolChoice)
	}

	b := NewRequest().Params(rest).Stream(stream)
	if len(messages) > 0 {
		b.Messages(messages...)
	} else if prompt != "" {
		b.Prompt(prompt)
	}
	if len(tools) > 0 {
		b.Tools(tools...).ToolChoice(choice)
	}
	return b.Build()
}
