// Package coze describes the Coze OpenAI-compatible chat API.
package coze

import (
	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

// DefaultBaseURL is used when a model config has no endpoint.
const DefaultBaseURL = "https://api.coze.com/v1"

// Dialect is the Coze API description.
var Dialect = providers.Dialect{
	Vendor:       core.VendorCoze,
	BaseURL:      DefaultBaseURL,
	DefaultModel: "gpt-3.5-turbo",
	ChatPath:     "/chat/completions",
	Framing:      llmclient.FramingSSE,
	NativeTools:  true,
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"top_k":      "",
		"seed":       "",
		"logit_bias": "logit_bias",
	}),
	// Coze has no tool role
	Messages: providers.OpenAIMessages(map[core.Role]core.Role{core.RoleTool: core.RoleFunction}),
	ErrorCodes: map[string]core.ErrorKind{
		"authentication_error":    core.ErrorKindAuthentication,
		"invalid_api_key":         core.ErrorKindAuthentication,
		"rate_limit_exceeded":     core.ErrorKindRateLimit,
		"context_length_exceeded": core.ErrorKindContextLength,
		"invalid_request_error":   core.ErrorKindInvalidRequest,
		"server_error":            core.ErrorKindServer,
		"model_not_found":         core.ErrorKindModelUnavailable,
		"model_not_available":     core.ErrorKindModelUnavailable,
		"content_filtered":        core.ErrorKindContentFilter,
	},
}

func init() {
	providers.Register(Dialect)
}
