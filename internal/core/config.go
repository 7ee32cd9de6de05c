package core

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Vendor identifies an upstream LLM API dialect.
type Vendor string

const (
	VendorOpenAI   Vendor = "openai"
	VendorDeepSeek Vendor = "deepseek"
	VendorCoze     Vendor = "coze"
	VendorClaude   Vendor = "claude"
	VendorWenxin   Vendor = "wenxin"
	VendorTongyi   Vendor = "tongyi"
	VendorOllama   Vendor = "ollama"
	VendorDify     Vendor = "dify"
)

// Vendors lists every supported vendor.
var Vendors = []Vendor{
	VendorOpenAI, VendorDeepSeek, VendorCoze, VendorClaude,
	VendorWenxin, VendorTongyi, VendorOllama, VendorDify,
}

// Valid reports whether v is a supported vendor.
func (v Vendor) Valid() bool {
	return slices.Contains(Vendors, v)
}

// AuthType selects how credentials are produced.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthAKSK   AuthType = "ak_sk"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthNone   AuthType = "none"
)

// AuthConfig holds raw secrets for a model.
type AuthConfig struct {
	Type           AuthType          `yaml:"type" json:"type"`
	APIKey         string            `yaml:"api_key" json:"-"`
	APIKeyID       string            `yaml:"api_key_id" json:"-"`
	APIKeySecret   string            `yaml:"api_key_secret" json:"-"`
	AuthToken      string            `yaml:"auth_token" json:"-"`
	Username       string            `yaml:"username" json:"-"`
	Password       string            `yaml:"password" json:"-"`
	OrganizationID string            `yaml:"organization_id" json:"organization_id,omitempty"`
	ProjectID      string            `yaml:"project_id" json:"project_id,omitempty"`
	TokenURL       string            `yaml:"token_url" json:"token_url,omitempty"`
	ExtraHeaders   map[string]string `yaml:"extra_headers" json:"extra_headers,omitempty"`
	ExtraQuery     map[string]string `yaml:"extra_query" json:"extra_query,omitempty"`
}

// RetryConfig controls the retry decorator.
type RetryConfig struct {
	MaxRetries   int                `yaml:"max_retries" json:"max_retries"`
	InitialDelay time.Duration      `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration      `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64            `yaml:"multiplier" json:"multiplier"`
	Retryable    map[ErrorKind]bool `yaml:"-" json:"-"`
}

// DefaultRetryConfig returns the stock retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Retryable: map[ErrorKind]bool{
			ErrorKindTimeout:   true,
			ErrorKindRateLimit: true,
			ErrorKindServer:    true,
		},
	}
}

// DefaultTimeout applies when ModelConfig.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ModelConfig is the immutable description of one logical model.
type ModelConfig struct {
	ModelID       string        `json:"model_id"`
	Vendor        Vendor        `json:"vendor"`
	Endpoint      string        `json:"endpoint"`
	Auth          AuthConfig    `json:"auth"`
	DefaultParams Params        `json:"default_params,omitempty"`
	Retry         RetryConfig   `json:"retry"`
	Timeout       time.Duration `json:"timeout"`
	// StreamSupport is a pointer so an unset value can default to true.
	StreamSupport *bool   `json:"stream_support,omitempty"`
	RateLimit     float64 `json:"rate_limit,omitempty"`
	RateBurst     int     `json:"rate_burst,omitempty"`
}

// Streams reports whether streaming calls are allowed.
func (c ModelConfig) Streams() bool {
	return c.StreamSupport == nil || *c.StreamSupport
}

// Validate checks required fields.
func (c ModelConfig) Validate() error {
	if c.ModelID == "" {
		return NewInvalidRequestError("model config requires model_id", nil)
	}
	if !c.Vendor.Valid() {
		return NewInvalidRequestError(fmt.Sprintf("model %s: unsupported vendor %q", c.ModelID, c.Vendor), nil)
	}
	if c.Endpoint == "" {
		return NewInvalidRequestError(fmt.Sprintf("model %s: endpoint is required", c.ModelID), nil)
	}
	if c.Timeout < 0 {
		return NewInvalidRequestError(fmt.Sprintf("model %s: timeout must not be negative", c.ModelID), nil)
	}
	return nil
}

// WithDefaults returns a deep-enough copy with zero fields filled in. The
// receiver is never modified.
func (c ModelConfig) WithDefaults() ModelConfig {
	out := c
	out.DefaultParams = c.DefaultParams.Clone()
	out.Auth.ExtraHeaders = maps.Clone(c.Auth.ExtraHeaders)
	out.Auth.ExtraQuery = maps.Clone(c.Auth.ExtraQuery)

	def := DefaultRetryConfig()
	if out.Retry.MaxRetries == 0 && out.Retry.InitialDelay == 0 && out.Retry.Multiplier == 0 {
		out.Retry.MaxRetries = def.MaxRetries
	}
	if out.Retry.InitialDelay <= 0 {
		out.Retry.InitialDelay = def.InitialDelay
	}
	if out.Retry.MaxDelay <= 0 {
		out.Retry.MaxDelay = def.MaxDelay
	}
	if out.Retry.Multiplier <= 0 {
		out.Retry.Multiplier = def.Multiplier
	}
	if len(c.Retry.Retryable) == 0 {
		out.Retry.Retryable = def.Retryable
	} else {
		out.Retry.Retryable = maps.Clone(c.Retry.Retryable)
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.StreamSupport == nil {
		t := true
		out.StreamSupport = &t
	}
	if out.Auth.Type == "" {
		out.Auth.Type = defaultAuthType(c)
	}
	return out
}

func defaultAuthType(c ModelConfig) AuthType {
	switch {
	case c.Vendor == VendorWenxin && c.Auth.APIKeyID != "":
		return AuthAKSK
	case c.Auth.APIKey != "" || c.Auth.AuthToken != "":
		return AuthAPIKey
	case c.Auth.Username != "":
		return AuthBasic
	default:
		return AuthNone
	}
}
