// Package tongyi describes the Alibaba DashScope (Qwen) chat API.
package tongyi

import (
	"strings"

	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

// DefaultBaseURL is the DashScope OpenAI-compatible endpoint.
const DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode"

// Dialect is the DashScope API description.
var Dialect = providers.Dialect{
	Vendor:       core.VendorTongyi,
	BaseURL:      DefaultBaseURL,
	DefaultModel: "qwen-turbo",
	ChatPath:     "/v1/chat/completions",
	Framing:      llmclient.FramingSSE,
	NativeTools:  true,
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"result_format":      "result_format",
		"enable_search":      "enable_search",
		"incremental_output": "incremental_output",
	}),
	Messages:     providers.OpenAIMessages(map[core.Role]core.Role{core.RoleTool: core.RoleFunction}),
	Body:         resultFormat,
	ContentPaths: []string{"output.text", "output.choices.0.message.content", "output.choices.0.delta.content"},
	IDPaths:      []string{"request_id", "id"},
	ErrorInfo:    errorInfo,
	ErrorCodes: map[string]core.ErrorKind{
		"InvalidApiKey":         core.ErrorKindAuthentication,
		"Unauthorized":          core.ErrorKindAuthentication,
		"RequestRateLimit":      core.ErrorKindRateLimit,
		"QuotaExceeded":         core.ErrorKindRateLimit,
		"Throttling":            core.ErrorKindRateLimit,
		"ContextLengthExceeded": core.ErrorKindContextLength,
		"InvalidParameter":      core.ErrorKindInvalidRequest,
		"BadRequest":            core.ErrorKindInvalidRequest,
		"InternalServerError":   core.ErrorKindServer,
		"ServiceUnavailable":    core.ErrorKindServer,
		"ModelNotFound":         core.ErrorKindModelUnavailable,
		"ModelNotReady":         core.ErrorKindModelUnavailable,
		"ContentFiltered":       core.ErrorKindContentFilter,
		"DataInspectionFailed":  core.ErrorKindContentFilter,
	},
}

func init() {
	providers.Register(Dialect)
}

// resultFormat turns a JSON response_format into DashScope's result_format.
func resultFormat(rc *providers.RequestContext) error {
	v, ok := rc.Request.Params["response_format"]
	if !ok {
		return nil
	}
	var format string
	switch f := v.(type) {
	case string:
		format = f
	case map[string]any:
		format, _ = f["type"].(string)
	}
	switch strings.ToLower(format) {
	case "json", "json_object":
		rc.Body["result_format"] = map[string]any{"type": "json"}
		delete(rc.Body, "response_format")
	}
	return nil
}

// errorInfo reads the native {"code", "message"} shape and falls back to the
// OpenAI-compatible one.
func errorInfo(doc gjson.Result) (providers.ErrorInfo, bool) {
	if code := doc.Get("code"); code.Type == gjson.String && code.Str != "" {
		return providers.ErrorInfo{Code: code.Str, Message: doc.Get("message").String()}, true
	}
	return providers.OpenAIErrorInfo(doc)
}
