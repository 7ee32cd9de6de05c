// Package dify describes the Dify application API. A Dify "model" is an
// application addressed by id.
package dify

import (
	"maps"
	"net/http"

	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

const (
	// DefaultBaseURL is used when a model config has no endpoint.
	DefaultBaseURL = "https://api.dify.ai"
	defaultUser    = "modelhub"
)

var errorCodes = map[string]core.ErrorKind{
	"authentication_error":        core.ErrorKindAuthentication,
	"unauthorized":                core.ErrorKindAuthentication,
	"rate_limit_error":            core.ErrorKindRateLimit,
	"provider_quota_exceeded":     core.ErrorKindRateLimit,
	"context_length_exceeded":     core.ErrorKindContextLength,
	"invalid_request_error":       core.ErrorKindInvalidRequest,
	"invalid_param":               core.ErrorKindInvalidRequest,
	"service_unavailable":         core.ErrorKindServer,
	"internal_server_error":       core.ErrorKindServer,
	"completion_request_error":    core.ErrorKindServer,
	"model_error":                 core.ErrorKindModelUnavailable,
	"app_unavailable":             core.ErrorKindModelUnavailable,
	"provider_not_initialize":     core.ErrorKindModelUnavailable,
	"model_currently_not_support": core.ErrorKindModelUnavailable,
	"content_filter":              core.ErrorKindContentFilter,
}

// Dialect is the Dify API description.
var Dialect = providers.Dialect{
	Vendor:      core.VendorDify,
	BaseURL:     DefaultBaseURL,
	Framing:     llmclient.FramingSSE,
	NativeTools: true,
	Params: map[string]string{
		"user":            "user",
		"conversation_id": "conversation_id",
		"files":           "files",
		"inputs":          "inputs",
	},
	Messages:     messages,
	Tools:        tools,
	Body:         body,
	Path:         path,
	ContentPaths: []string{"answer"},
	IDPaths:      []string{"message_id", "conversation_id", "id"},
	Chunk:        chunk,
	ErrorInfo:    errorInfo,
	ErrorCodes:   errorCodes,
}

func init() {
	providers.Register(Dialect)
}

func path(rc *providers.RequestContext) (string, error) {
	if rc.Model == "" {
		return "", core.NewInvalidRequestError("dify requires an application id as the model name (dify:<app_id>)", nil)
	}
	endpoint := "/completion-messages"
	if rc.Request.IsChat() {
		endpoint = "/chat-messages"
	}
	return "/api/v1/apps/" + rc.Model + endpoint, nil
}

// messages sends the latest user turn as the query. Earlier turns travel
// as folded history.
func messages(rc *providers.RequestContext) error {
	if !rc.Request.IsChat() {
		rc.Body["query"] = rc.Request.Prompt
		return nil
	}
	folded := providers.FoldRoles(rc.Messages, map[core.Role]providers.FoldedMessage{
		core.RoleSystem:   {Role: core.RoleUser, Prefix: "[系统提示] "},
		core.RoleTool:     {Role: core.RoleAssistant, Prefix: "工具/函数调用结果: "},
		core.RoleFunction: {Role: core.RoleAssistant, Prefix: "工具/函数调用结果: "},
	})
	var query string
	for i := len(rc.Messages) - 1; i >= 0; i-- {
		if rc.Messages[i].Role.Normalize() == core.RoleUser {
			query = rc.Messages[i].Text()
			break
		}
	}
	rc.Body["query"] = query
	rc.Body["messages"] = folded
	return nil
}

func inputs(rc *providers.RequestContext) map[string]any {
	in := map[string]any{}
	if given, ok := rc.Body["inputs"].(map[string]any); ok {
		// copied so the caller's params stay untouched
		in = maps.Clone(given)
	}
	rc.Body["inputs"] = in
	return in
}

// tools travel as application inputs.
func tools(rc *providers.RequestContext) error {
	in := inputs(rc)
	in["tools"] = providers.OpenAITools(rc.Request.Tools)
	if rc.Request.ToolChoice != nil {
		in["tool_choice"] = rc.Request.ToolChoice
	} else {
		in["tool_choice"] = "auto"
	}
	return nil
}

func body(rc *providers.RequestContext) error {
	inputs(rc)
	delete(rc.Body, "model")
	delete(rc.Body, "stream")
	if rc.Request.Stream {
		rc.Body["response_mode"] = "streaming"
	} else {
		rc.Body["response_mode"] = "blocking"
	}
	if _, ok := rc.Body["user"]; !ok {
		rc.Body["user"] = defaultUser
	}
	return nil
}

// errorInfo reads {"code", "message", "status"} and falls back to the
// OpenAI shape.
func errorInfo(doc gjson.Result) (providers.ErrorInfo, bool) {
	if code := doc.Get("code"); code.Type == gjson.String && code.Str != "" {
		return providers.ErrorInfo{Code: code.Str, Message: doc.Get("message").String()}, true
	}
	return providers.OpenAIErrorInfo(doc)
}

func chunk(line llmclient.Line) (providers.Chunk, error) {
	if line.Done {
		return providers.Chunk{Done: true}, nil
	}
	if !gjson.ValidBytes(line.Data) {
		return providers.Chunk{}, core.NewServerError(string(core.VendorDify), http.StatusBadGateway, "invalid stream event", nil)
	}
	doc := gjson.ParseBytes(line.Data)
	event := doc.Get("event").String()
	if event == "" {
		event = line.Event
	}

	id := providers.FirstString(doc, "message_id", "conversation_id")
	switch event {
	case "message", "agent_message":
		return providers.Chunk{Text: doc.Get("answer").String(), ResponseID: id}, nil
	case "message_end":
		c := providers.Chunk{ResponseID: id, Done: true}
		if doc.Get("metadata.usage").IsObject() {
			u := providers.ExtractUsage(doc)
			c.Usage = &u
		}
		return c, nil
	case "error":
		info, _ := errorInfo(doc)
		kind, ok := errorCodes[info.Code]
		if !ok {
			kind = core.KindFromStatus(int(doc.Get("status").Int()))
		}
		return providers.Chunk{}, &core.ModelError{Kind: kind, Message: info.Message, Vendor: string(core.VendorDify), Code: info.Code}
	}
	return providers.Chunk{}, nil
}
