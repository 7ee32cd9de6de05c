package config

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"modelhub/internal/core"
)

// ModelEntry is one model as written in the file. The map key in
// Config.Models is the model id.
type ModelEntry struct {
	Vendor        string          `yaml:"vendor"`
	Endpoint      string          `yaml:"endpoint"`
	Auth          core.AuthConfig `yaml:"auth"`
	DefaultParams map[string]any  `yaml:"default_params"`
	Retry         *RetryEntry     `yaml:"retry"`
	Timeout       time.Duration   `yaml:"timeout"`
	StreamSupport *bool           `yaml:"stream_support"`
	RateLimit     float64         `yaml:"rate_limit"`
	RateBurst     int             `yaml:"rate_burst"`
	// Aliases are extra model names the router matches to this model.
	Aliases []string `yaml:"aliases"`
}

// RetryEntry overrides the inherited retry policy field by field.
type RetryEntry struct {
	MaxRetries   *int           `yaml:"max_retries"`
	InitialDelay *time.Duration `yaml:"initial_delay"`
	MaxDelay     *time.Duration `yaml:"max_delay"`
	Multiplier   *float64       `yaml:"multiplier"`
	Retryable    []string       `yaml:"retryable"`
}

// ModelDefaults apply to every model that does not set the field itself.
type ModelDefaults struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryEntry    `yaml:"retry"`
}

// vendorEnvs lists the variables that configure a vendor from the
// environment. A vendor with credentials but no configured model gets one
// registered under "<vendor>:<defaultModel>".
var vendorEnvs = []struct {
	vendor       core.Vendor
	keyEnv       string
	secretEnv    string
	baseURLEnv   string
	defaultModel string
}{
	{core.VendorOpenAI, "OPENAI_API_KEY", "", "OPENAI_BASE_URL", "gpt-3.5-turbo"},
	{core.VendorClaude, "ANTHROPIC_API_KEY", "", "ANTHROPIC_BASE_URL", "claude-3-opus-20240229"},
	{core.VendorDeepSeek, "DEEPSEEK_API_KEY", "", "DEEPSEEK_BASE_URL", "deepseek-chat"},
	{core.VendorTongyi, "DASHSCOPE_API_KEY", "", "DASHSCOPE_BASE_URL", "qwen-turbo"},
	{core.VendorWenxin, "QIANFAN_AK", "QIANFAN_SK", "QIANFAN_BASE_URL", "ernie-4.0"},
	{core.VendorCoze, "COZE_API_KEY", "", "COZE_BASE_URL", "gpt-3.5-turbo"},
	{core.VendorDify, "DIFY_API_KEY", "", "DIFY_BASE_URL", ""},
	{core.VendorOllama, "", "", "OLLAMA_BASE_URL", "llama2"},
}

// resolveModels overlays vendor environment variables, auto-registers
// env-only vendors and drops models whose secrets never resolved.
func resolveModels(raw map[string]ModelEntry) map[string]ModelEntry {
	out := maps.Clone(raw)
	if out == nil {
		out = make(map[string]ModelEntry)
	}
	for _, ve := range vendorEnvs {
		key := envOrEmpty(ve.keyEnv)
		secret := envOrEmpty(ve.secretEnv)
		baseURL := envOrEmpty(ve.baseURLEnv)
		if key == "" && baseURL == "" {
			continue
		}

		matched := false
		for id, m := range out {
			if core.Vendor(m.Vendor) != ve.vendor {
				continue
			}
			matched = true
			fillVendorEnv(&m, ve.vendor, key, secret, baseURL)
			out[id] = m
		}
		if matched || ve.defaultModel == "" {
			continue
		}
		m := ModelEntry{Vendor: string(ve.vendor)}
		fillVendorEnv(&m, ve.vendor, key, secret, baseURL)
		out[string(ve.vendor)+":"+ve.defaultModel] = m
	}

	for id, m := range out {
		if unresolvedSecrets(m.Auth) {
			slog.Warn("dropping model with unresolved credentials", "model_id", id)
			delete(out, id)
		}
	}
	return out
}

func envOrEmpty(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}

// fillVendorEnv sets credentials from the environment. Environment values
// win over the file; a base URL only fills an empty endpoint.
func fillVendorEnv(m *ModelEntry, v core.Vendor, key, secret, baseURL string) {
	switch {
	case v == core.VendorWenxin && key != "" && secret != "":
		m.Auth.APIKeyID, m.Auth.APIKeySecret = key, secret
	case key != "":
		m.Auth.APIKey = key
	}
	if baseURL != "" && m.Endpoint == "" {
		m.Endpoint = baseURL
	}
}

func unresolvedSecrets(a core.AuthConfig) bool {
	for _, s := range []string{a.APIKey, a.APIKeyID, a.APIKeySecret, a.AuthToken, a.Password} {
		if unresolved(s) {
			return true
		}
	}
	return false
}

// ModelConfigs converts the configured models, sorted by id, applying
// ModelDefaults. Validation of vendor and endpoint happens at registration.
func (c *Config) ModelConfigs() ([]core.ModelConfig, error) {
	ids := slices.Sorted(maps.Keys(c.Models))
	out := make([]core.ModelConfig, 0, len(ids))
	for _, id := range ids {
		mc, err := c.modelConfig(id, c.Models[id])
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, nil
}

func (c *Config) modelConfig(id string, m ModelEntry) (core.ModelConfig, error) {
	v := core.Vendor(m.Vendor)
	if !v.Valid() {
		return core.ModelConfig{}, fmt.Errorf("model %s: unsupported vendor %q", id, m.Vendor)
	}
	retry, err := buildRetry(c.ModelDefaults.Retry, m.Retry)
	if err != nil {
		return core.ModelConfig{}, fmt.Errorf("model %s: %w", id, err)
	}
	timeout := m.Timeout
	if timeout == 0 {
		timeout = c.ModelDefaults.Timeout
	}
	return core.ModelConfig{
		ModelID:       id,
		Vendor:        v,
		Endpoint:      m.Endpoint,
		Auth:          m.Auth,
		DefaultParams: core.Params(maps.Clone(m.DefaultParams)),
		Retry:         retry,
		Timeout:       timeout,
		StreamSupport: m.StreamSupport,
		RateLimit:     m.RateLimit,
		RateBurst:     m.RateBurst,
	}, nil
}

// buildRetry starts from the stock policy, applies the global defaults and
// then the per-model override. Non-nil fields win.
func buildRetry(global RetryEntry, override *RetryEntry) (core.RetryConfig, error) {
	rc := core.DefaultRetryConfig()
	for _, e := range []*RetryEntry{&global, override} {
		if e == nil {
			continue
		}
		if e.MaxRetries != nil {
			rc.MaxRetries = *e.MaxRetries
		}
		if e.InitialDelay != nil {
			rc.InitialDelay = *e.InitialDelay
		}
		if e.MaxDelay != nil {
			rc.MaxDelay = *e.MaxDelay
		}
		if e.Multiplier != nil {
			rc.Multiplier = *e.Multiplier
		}
		if len(e.Retryable) > 0 {
			set := make(map[core.ErrorKind]bool, len(e.Retryable))
			for _, s := range e.Retryable {
				k, ok := core.ParseErrorKind(s)
				if !ok {
					return core.RetryConfig{}, fmt.Errorf("unknown retryable error kind %q", s)
				}
				set[k] = true
			}
			rc.Retryable = set
		}
	}
	return rc, nil
}
