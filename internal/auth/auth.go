// Package auth produces the credentials attached to every vendor call.
package auth

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"time"

	"modelhub/internal/core"
)

// Credentials is an immutable snapshot. Providers replace it whole on
// refresh; fields are never mutated after construction.
type Credentials struct {
	HeaderName  string
	HeaderValue string
	Token       string
	// ExpiresAt is epoch millis; <= 0 means the credential never expires.
	ExpiresAt    int64
	ExtraHeaders map[string]string
	ExtraQuery   map[string]string
}

// IsValid reports whether the credential may be used at now.
func (c *Credentials) IsValid(now time.Time) bool {
	return c.ExpiresAt <= 0 || now.UnixMilli() < c.ExpiresAt
}

// Headers returns the HTTP headers to send, including extras.
func (c *Credentials) Headers() map[string]string {
	h := make(map[string]string, len(c.ExtraHeaders)+1)
	maps.Copy(h, c.ExtraHeaders)
	if c.HeaderName != "" && c.HeaderValue != "" {
		h[c.HeaderName] = c.HeaderValue
	}
	return h
}

// Query returns the query parameters to send.
func (c *Credentials) Query() map[string]string {
	return maps.Clone(c.ExtraQuery)
}

// Provider yields credentials for a model.
type Provider interface {
	// Credentials returns a valid snapshot, refreshing when needed.
	Credentials(ctx context.Context) (*Credentials, error)
	// Invalidate drops any cached credential so the next call refreshes.
	Invalidate()
}

// Refreshing is implemented by providers whose credentials can be renewed.
// The vendor model retries once after Invalidate for these.
type Refreshing interface {
	Provider
	Refreshes() bool
}

// CanRefresh reports whether p renews credentials on Invalidate.
func CanRefresh(p Provider) bool {
	r, ok := p.(Refreshing)
	return ok && r.Refreshes()
}

type options struct {
	apiKeyHeader string
	httpClient   *http.Client
	now          func() time.Time
	guardWindow  time.Duration
	vendor       string
}

// Option configures New.
type Option func(*options)

// WithAPIKeyHeader sends the raw API key in header name instead of
// "Authorization: Bearer <key>".
func WithAPIKeyHeader(name string) Option {
	return func(o *options) { o.apiKeyHeader = name }
}

// WithHTTPClient sets the client used for token exchanges.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithGuardWindow sets how long before expiry a token is refreshed.
func WithGuardWindow(d time.Duration) Option {
	return func(o *options) { o.guardWindow = d }
}

// WithVendor tags errors with the vendor name.
func WithVendor(v string) Option {
	return func(o *options) { o.vendor = v }
}

// New picks the provider shape from cfg.Type.
func New(cfg core.AuthConfig, opts ...Option) (Provider, error) {
	o := options{
		now:         time.Now,
		guardWindow: DefaultGuardWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Type {
	case core.AuthAKSK:
		if cfg.APIKeyID == "" || cfg.APIKeySecret == "" {
			return nil, core.NewAuthenticationError(o.vendor, "ak_sk auth requires api_key_id and api_key_secret", nil)
		}
		return NewOAuth(cfg, o), nil
	case core.AuthAPIKey, core.AuthBearer, core.AuthBasic, core.AuthNone, "":
		return NewStatic(cfg, o)
	default:
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unsupported auth type %q", cfg.Type), nil)
	}
}
