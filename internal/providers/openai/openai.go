// Package openai describes the OpenAI chat completions API.
package openai

import (
	"strings"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

const (
	// DefaultBaseURL is used when a model config has no endpoint.
	DefaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-3.5-turbo"
)

var errorCodes = map[string]core.ErrorKind{
	"invalid_api_key":          core.ErrorKindAuthentication,
	"authentication_error":     core.ErrorKindAuthentication,
	"rate_limit_exceeded":      core.ErrorKindRateLimit,
	"insufficient_quota":       core.ErrorKindRateLimit,
	"context_length_exceeded":  core.ErrorKindContextLength,
	"invalid_request_error":    core.ErrorKindInvalidRequest,
	"server_error":             core.ErrorKindServer,
	"model_not_found":          core.ErrorKindModelUnavailable,
	"content_filter":           core.ErrorKindContentFilter,
	"content_policy_violation": core.ErrorKindContentFilter,
}

// Dialect is the OpenAI API description.
var Dialect = providers.Dialect{
	Vendor:          core.VendorOpenAI,
	BaseURL:         DefaultBaseURL,
	DefaultModel:    defaultModel,
	ChatPath:        "/v1/chat/completions",
	Framing:         llmclient.FramingSSE,
	NativeTools:     true,
	RequestIDHeader: "X-Client-Request-Id",
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"top_k":      "",
		"logit_bias": "logit_bias",
		"n":          "n",
		"logprobs":   "logprobs",
	}),
	Body:       shapeBody,
	Headers:    headers,
	ErrorCodes: errorCodes,
}

func init() {
	providers.Register(Dialect)
}

func headers(cfg core.ModelConfig) map[string]string {
	h := map[string]string{}
	if cfg.Auth.OrganizationID != "" {
		h["OpenAI-Organization"] = cfg.Auth.OrganizationID
	}
	if cfg.Auth.ProjectID != "" {
		h["OpenAI-Project"] = cfg.Auth.ProjectID
	}
	return h
}

// isOSeriesModel reports whether the model is a reasoning model (o1, o3,
// o4) that takes max_completion_tokens and rejects temperature.
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

func shapeBody(rc *providers.RequestContext) error {
	if rc.Request.Stream {
		rc.Body["stream_options"] = map[string]any{"include_usage": true}
	}
	if !isOSeriesModel(rc.Model) {
		return nil
	}
	if v, ok := rc.Body["max_tokens"]; ok {
		rc.Body["max_completion_tokens"] = v
		delete(rc.Body, "max_tokens")
	}
	delete(rc.Body, "temperature")
	return nil
}
