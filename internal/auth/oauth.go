package auth

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
)

const (
	// DefaultGuardWindow is how long before expiry a token is renewed.
	DefaultGuardWindow = 60 * time.Second
	// DefaultTokenURL is the client-credentials endpoint used for AK/SK auth.
	DefaultTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
)

// OAuth exchanges an AK/SK pair for an access token and renews it before
// expiry. The token travels as the access_token query parameter.
type OAuth struct {
	cfg         core.AuthConfig
	client      *llmclient.Client
	now         func() time.Time
	guardWindow time.Duration
	vendor      string

	current atomic.Pointer[Credentials]
	group   singleflight.Group
}

// NewOAuth creates a refreshing provider. No network call is made until the
// first Credentials call.
func NewOAuth(cfg core.AuthConfig, o options) *OAuth {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &OAuth{
		cfg: cfg,
		client: llmclient.NewWithHTTPClient(o.httpClient, llmclient.Config{
			Vendor:  o.vendor,
			BaseURL: tokenURL,
		}, nil),
		now:         o.now,
		guardWindow: o.guardWindow,
		vendor:      o.vendor,
	}
}

// Refreshes implements Refreshing.
func (p *OAuth) Refreshes() bool { return true }

// Credentials returns the cached token or blocks on a refresh. Concurrent
// callers share one in-flight exchange.
func (p *OAuth) Credentials(ctx context.Context) (*Credentials, error) {
	if c := p.current.Load(); c != nil && !p.needsRefresh(c) {
		return c, nil
	}

	ch := p.group.DoChan("token", func() (any, error) {
		// another caller may have refreshed while we waited
		if c := p.current.Load(); c != nil && !p.needsRefresh(c) {
			return c, nil
		}
		// the exchange outlives a single caller's cancellation
		c, err := p.exchange(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		p.current.Store(c)
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credentials), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached token.
func (p *OAuth) Invalidate() {
	p.current.Store(nil)
}

func (p *OAuth) needsRefresh(c *Credentials) bool {
	if c.ExpiresAt <= 0 {
		return false
	}
	return p.now().UnixMilli() >= c.ExpiresAt-p.guardWindow.Milliseconds()
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *OAuth) exchange(ctx context.Context) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var tr tokenResponse
	err := p.client.DoJSON(ctx, llmclient.Request{
		Method: http.MethodPost,
		Query: map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     p.cfg.APIKeyID,
			"client_secret": p.cfg.APIKeySecret,
		},
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
	}, &tr)
	if err != nil {
		return nil, core.NewAuthenticationError(p.vendor, "token exchange failed: "+err.Error(), err)
	}
	if tr.Error != "" || tr.AccessToken == "" {
		msg := tr.ErrorDescription
		if msg == "" {
			msg = tr.Error
		}
		if msg == "" {
			msg = "empty access_token"
		}
		return nil, core.NewAuthenticationError(p.vendor, "token exchange rejected: "+msg, nil)
	}

	var expiresAt int64
	if tr.ExpiresIn > 0 {
		expiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	}

	query := maps.Clone(p.cfg.ExtraQuery)
	if query == nil {
		query = make(map[string]string, 1)
	}
	query["access_token"] = tr.AccessToken

	slog.Info("oauth token refreshed", "vendor", p.vendor, "expires_in", tr.ExpiresIn)

	return &Credentials{
		Token:        tr.AccessToken,
		ExpiresAt:    expiresAt,
		ExtraHeaders: maps.Clone(p.cfg.ExtraHeaders),
		ExtraQuery:   query,
	}, nil
}
