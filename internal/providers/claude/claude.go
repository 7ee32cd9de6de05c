// Package claude describes the Anthropic Messages API.
package claude

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

const (
	// DefaultBaseURL is used when a model config has no endpoint.
	DefaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

var errorCodes = map[string]core.ErrorKind{
	"authentication_error":     core.ErrorKindAuthentication,
	"permission_error":         core.ErrorKindAuthentication,
	"invalid_api_key":          core.ErrorKindAuthentication,
	"unauthorized":             core.ErrorKindAuthentication,
	"rate_limit_error":         core.ErrorKindRateLimit,
	"rate_limit_exceeded":      core.ErrorKindRateLimit,
	"context_length_exceeded":  core.ErrorKindContextLength,
	"content_too_long":         core.ErrorKindContextLength,
	"request_too_large":        core.ErrorKindContextLength,
	"invalid_request_error":    core.ErrorKindInvalidRequest,
	"bad_request":              core.ErrorKindInvalidRequest,
	"api_error":                core.ErrorKindServer,
	"overloaded_error":         core.ErrorKindServer,
	"server_error":             core.ErrorKindServer,
	"internal_error":           core.ErrorKindServer,
	"not_found_error":          core.ErrorKindModelUnavailable,
	"model_not_found":          core.ErrorKindModelUnavailable,
	"model_unavailable":        core.ErrorKindModelUnavailable,
	"content_policy_violation": core.ErrorKindContentFilter,
	"content_filtered":         core.ErrorKindContentFilter,
}

// Dialect is the Anthropic Messages API description.
var Dialect = providers.Dialect{
	Vendor:       core.VendorClaude,
	BaseURL:      DefaultBaseURL,
	DefaultModel: "claude-3-opus-20240229",
	ChatPath:     "/v1/messages",
	Framing:      llmclient.FramingSSE,
	NativeTools:  true,
	APIKeyHeader: "x-api-key",
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"stop":              "stop_sequences",
		"frequency_penalty": "",
		"presence_penalty":  "",
		"seed":              "",
		"response_format":   "",
		"user":              "",
		"metadata":          "metadata",
	}),
	Messages: messages,
	Tools:    tools,
	Body:     body,
	Headers: func(core.ModelConfig) map[string]string {
		return map[string]string{"anthropic-version": anthropicVersion}
	},
	Decode:     decode,
	Chunk:      chunk,
	ErrorCodes: errorCodes,
}

func init() {
	providers.Register(Dialect)
}

// messages lifts system text to the top level and turns tool traffic into
// content blocks. Consecutive messages of the same role are merged since the
// API requires alternation.
func messages(rc *providers.RequestContext) error {
	var system string
	var out []map[string]any

	appendBlocks := func(role string, blocks []map[string]any) {
		if n := len(out); n > 0 && out[n-1]["role"] == role {
			prev := out[n-1]["content"].([]map[string]any)
			out[n-1]["content"] = append(prev, blocks...)
			return
		}
		out = append(out, map[string]any{"role": role, "content": blocks})
	}

	for _, m := range rc.Messages {
		switch m.Role.Normalize() {
		case core.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Text()
		case core.RoleTool, core.RoleFunction:
			id := m.ToolCallID
			if id == "" {
				id = m.Name
			}
			appendBlocks("user", []map[string]any{{
				"type":        "tool_result",
				"tool_use_id": id,
				"content":     m.Text(),
			}})
		case core.RoleAssistant:
			var blocks []map[string]any
			if m.Text() != "" {
				blocks = append(blocks, textBlock(m.Text()))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": toolInput(tc.Function.Arguments),
				})
			}
			appendBlocks("assistant", blocks)
		default:
			appendBlocks("user", []map[string]any{textBlock(m.Text())})
		}
	}

	if system != "" {
		rc.Body["system"] = system
	}
	rc.Body["messages"] = out
	return nil
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func toolInput(arguments string) any {
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

func tools(rc *providers.RequestContext) error {
	out := make([]map[string]any, 0, len(rc.Request.Tools))
	for _, t := range rc.Request.Tools {
		schema := t.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tool := map[string]any{"name": t.Function.Name, "input_schema": schema}
		if t.Function.Description != "" {
			tool["description"] = t.Function.Description
		}
		out = append(out, tool)
	}
	rc.Body["tools"] = out
	rc.Body["tool_choice"] = toolChoice(rc.Request.ToolChoice)
	return nil
}

func toolChoice(choice any) map[string]any {
	if name, ok := core.ForcedFunctionName(choice); ok {
		return map[string]any{"type": "tool", "name": name}
	}
	switch choice {
	case "required", "any":
		return map[string]any{"type": "any"}
	case "none":
		return map[string]any{"type": "none"}
	}
	return map[string]any{"type": "auto"}
}

func body(rc *providers.RequestContext) error {
	if _, ok := rc.Body["max_tokens"]; !ok {
		rc.Body["max_tokens"] = defaultMaxTokens
	}
	return nil
}

// decode joins text blocks and collects tool_use blocks.
func decode(doc gjson.Result, resp *core.ModelResponse) {
	blocks := doc.Get("content")
	if !blocks.IsArray() {
		return
	}
	var text string
	var calls []core.ToolCall
	blocks.ForEach(func(_, b gjson.Result) bool {
		switch b.Get("type").String() {
		case "text":
			text += b.Get("text").String()
		case "tool_use":
			input := b.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			calls = append(calls, core.ToolCall{
				ID:       b.Get("id").String(),
				Type:     "function",
				Function: core.FunctionCall{Name: b.Get("name").String(), Arguments: input},
			})
		}
		return true
	})
	resp.Content = text
	if len(calls) > 0 {
		resp.ToolCalls = calls
	}
}

// chunk decodes Messages API stream events.
func chunk(line llmclient.Line) (providers.Chunk, error) {
	if line.Done {
		return providers.Chunk{Done: true}, nil
	}
	if !gjson.ValidBytes(line.Data) {
		return providers.Chunk{}, core.NewServerError(string(core.VendorClaude), http.StatusBadGateway, "invalid stream event", nil)
	}
	ev := gjson.ParseBytes(line.Data)

	switch ev.Get("type").String() {
	case "message_start":
		c := providers.Chunk{ResponseID: ev.Get("message.id").String()}
		if in := ev.Get("message.usage.input_tokens"); in.Exists() {
			u := core.NewTokenUsage(int(in.Int()), int(ev.Get("message.usage.output_tokens").Int()))
			c.Usage = &u
		}
		return c, nil
	case "content_block_start":
		if cb := ev.Get("content_block"); cb.Get("type").String() == "tool_use" {
			return providers.Chunk{ToolCalls: []providers.ToolCallDelta{{
				Index: int(ev.Get("index").Int()),
				ID:    cb.Get("id").String(),
				Name:  cb.Get("name").String(),
			}}}, nil
		}
	case "content_block_delta":
		d := ev.Get("delta")
		switch d.Get("type").String() {
		case "text_delta":
			return providers.Chunk{Text: d.Get("text").String()}, nil
		case "input_json_delta":
			return providers.Chunk{ToolCalls: []providers.ToolCallDelta{{
				Index:     int(ev.Get("index").Int()),
				Arguments: d.Get("partial_json").String(),
			}}}, nil
		}
	case "message_delta":
		if out := ev.Get("usage.output_tokens"); out.Exists() {
			u := core.NewTokenUsage(int(ev.Get("usage.input_tokens").Int()), int(out.Int()))
			return providers.Chunk{Usage: &u}, nil
		}
	case "message_stop":
		return providers.Chunk{Done: true}, nil
	case "error":
		kind := errorCodes[ev.Get("error.type").String()]
		if kind == "" {
			kind = core.ErrorKindUnknown
		}
		return providers.Chunk{}, core.NewModelError(kind, string(core.VendorClaude), ev.Get("error.message").String(), nil)
	}
	return providers.Chunk{}, nil
}
