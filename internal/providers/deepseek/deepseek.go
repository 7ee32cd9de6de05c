// Package deepseek describes the DeepSeek chat API (OpenAI-compatible).
package deepseek

import (
	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

// DefaultBaseURL is used when a model config has no endpoint.
const DefaultBaseURL = "https://api.deepseek.com"

// Dialect is the DeepSeek API description.
var Dialect = providers.Dialect{
	Vendor:       core.VendorDeepSeek,
	BaseURL:      DefaultBaseURL,
	DefaultModel: "deepseek-chat",
	ChatPath:     "/chat/completions",
	Framing:      llmclient.FramingSSE,
	NativeTools:  true,
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"top_k":    "",
		"logprobs": "logprobs",
	}),
	Tools: tools,
	ErrorCodes: map[string]core.ErrorKind{
		"authentication_error":    core.ErrorKindAuthentication,
		"invalid_api_key":         core.ErrorKindAuthentication,
		"rate_limit_exceeded":     core.ErrorKindRateLimit,
		"context_length_exceeded": core.ErrorKindContextLength,
		"invalid_request_error":   core.ErrorKindInvalidRequest,
		"server_error":            core.ErrorKindServer,
		"model_not_found":         core.ErrorKindModelUnavailable,
		"content_filter":          core.ErrorKindContentFilter,
	},
}

func init() {
	providers.Register(Dialect)
}

// tools defaults the choice to "auto" when none is given.
func tools(rc *providers.RequestContext) error {
	if err := providers.OpenAIToolsHook(rc); err != nil {
		return err
	}
	if _, ok := rc.Body["tool_choice"]; !ok {
		rc.Body["tool_choice"] = "auto"
	}
	return nil
}
