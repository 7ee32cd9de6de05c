package auth

import (
	"context"
	"encoding/base64"
	"maps"

	"modelhub/internal/core"
)

// Static holds credentials built once from config.
type Static struct {
	creds *Credentials
}

// NewStatic builds the credential for api_key, bearer, basic and none.
func NewStatic(cfg core.AuthConfig, o options) (*Static, error) {
	c := &Credentials{
		ExtraHeaders: maps.Clone(cfg.ExtraHeaders),
		ExtraQuery:   maps.Clone(cfg.ExtraQuery),
	}

	switch cfg.Type {
	case core.AuthAPIKey, "":
		key := cfg.APIKey
		if key == "" {
			key = cfg.AuthToken
		}
		if key == "" {
			break
		}
		c.Token = key
		if o.apiKeyHeader != "" {
			c.HeaderName, c.HeaderValue = o.apiKeyHeader, key
		} else {
			c.HeaderName, c.HeaderValue = "Authorization", "Bearer "+key
		}
	case core.AuthBearer:
		token := cfg.AuthToken
		if token == "" {
			token = cfg.APIKey
		}
		if token == "" {
			return nil, core.NewAuthenticationError(o.vendor, "bearer auth requires auth_token", nil)
		}
		c.Token = token
		c.HeaderName, c.HeaderValue = "Authorization", "Bearer "+token
	case core.AuthBasic:
		if cfg.Username == "" {
			return nil, core.NewAuthenticationError(o.vendor, "basic auth requires username", nil)
		}
		raw := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		c.HeaderName, c.HeaderValue = "Authorization", "Basic "+raw
	case core.AuthNone:
	}
	return &Static{creds: c}, nil
}

// Credentials returns the fixed snapshot.
func (s *Static) Credentials(context.Context) (*Credentials, error) {
	return s.creds, nil
}

// Invalidate is a no-op.
func (s *Static) Invalidate() {}
