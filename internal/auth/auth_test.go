package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"modelhub/internal/core"
)

func TestCredentials_IsValid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		expiresAt := rapid.Int64Range(-1_000, 4_000_000_000_000).Draw(rt, "expiresAt")
		nowMs := rapid.Int64Range(0, 4_000_000_000_000).Draw(rt, "now")

		c := &Credentials{ExpiresAt: expiresAt}
		want := expiresAt <= 0 || nowMs < expiresAt
		if got := c.IsValid(time.UnixMilli(nowMs)); got != want {
			rt.Fatalf("IsValid(expiresAt=%d, now=%d) = %v, want %v", expiresAt, nowMs, got, want)
		}
	})
}

func TestStatic(t *testing.T) {
	tests := []struct {
		name       string
		cfg        core.AuthConfig
		opts       []Option
		wantHeader string
		wantValue  string
	}{
		{
			name:       "api key bearer",
			cfg:        core.AuthConfig{Type: core.AuthAPIKey, APIKey: "sk-1"},
			wantHeader: "Authorization",
			wantValue:  "Bearer sk-1",
		},
		{
			name:       "api key custom header",
			cfg:        core.AuthConfig{Type: core.AuthAPIKey, APIKey: "sk-ant"},
			opts:       []Option{WithAPIKeyHeader("x-api-key")},
			wantHeader: "x-api-key",
			wantValue:  "sk-ant",
		},
		{
			name:       "bearer token",
			cfg:        core.AuthConfig{Type: core.AuthBearer, AuthToken: "tok"},
			wantHeader: "Authorization",
			wantValue:  "Bearer tok",
		},
		{
			name:       "basic",
			cfg:        core.AuthConfig{Type: core.AuthBasic, Username: "u", Password: "p"},
			wantHeader: "Authorization",
			wantValue:  "Basic dTpw",
		},
		{
			name: "none",
			cfg:  core.AuthConfig{Type: core.AuthNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg, tt.opts...)
			require.NoError(t, err)
			assert.False(t, CanRefresh(p))

			c, err := p.Credentials(context.Background())
			require.NoError(t, err)
			assert.True(t, c.IsValid(time.Now()))
			if tt.wantHeader == "" {
				assert.Empty(t, c.Headers())
				return
			}
			assert.Equal(t, tt.wantValue, c.Headers()[tt.wantHeader])
		})
	}
}

func TestStatic_ExtraHeadersAndQuery(t *testing.T) {
	p, err := New(core.AuthConfig{
		Type:         core.AuthAPIKey,
		APIKey:       "k",
		ExtraHeaders: map[string]string{"X-Trace": "1"},
		ExtraQuery:   map[string]string{"api-version": "2024-01-01"},
	})
	require.NoError(t, err)

	c, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", c.Headers()["X-Trace"])
	assert.Equal(t, "2024-01-01", c.Query()["api-version"])
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := New(core.AuthConfig{Type: core.AuthAKSK, APIKeyID: "ak"})
	require.Error(t, err)
	assert.Equal(t, core.ErrorKindAuthentication, core.KindOf(err))

	_, err = New(core.AuthConfig{Type: core.AuthBasic})
	require.Error(t, err)

	_, err = New(core.AuthConfig{Type: "kerberos"})
	require.Error(t, err)
}

type tokenServer struct {
	*httptest.Server
	calls     atomic.Int32
	expiresIn int64
	fail      atomic.Bool
	delay     time.Duration
}

func newTokenServer(t *testing.T, expiresIn int64) *tokenServer {
	ts := &tokenServer{expiresIn: expiresIn}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if r.URL.Query().Get("grant_type") != "client_credentials" ||
			r.URL.Query().Get("client_id") != "ak" ||
			r.URL.Query().Get("client_secret") != "sk" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if ts.fail.Load() {
			_, _ = fmt.Fprint(w, `{"error":"invalid_client","error_description":"unknown client id"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d}`, n, ts.expiresIn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newOAuthProvider(t *testing.T, ts *tokenServer, clock *fakeClock) Provider {
	t.Helper()
	p, err := New(core.AuthConfig{
		Type:         core.AuthAKSK,
		APIKeyID:     "ak",
		APIKeySecret: "sk",
		TokenURL:     ts.URL + "/oauth/2.0/token",
	}, WithHTTPClient(ts.Client()), WithClock(clock.Now), WithVendor("wenxin"))
	require.NoError(t, err)
	return p
}

func TestOAuth_RefreshOnFirstUse(t *testing.T) {
	ts := newTokenServer(t, 3600)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newOAuthProvider(t, ts, clock)
	require.True(t, CanRefresh(p))

	c, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", c.Token)
	assert.Equal(t, "tok-1", c.Query()["access_token"])
	assert.Equal(t, clock.Now().Add(time.Hour).UnixMilli(), c.ExpiresAt)

	// cached until the guard window
	c2, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, c2)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestOAuth_RefreshInsideGuardWindow(t *testing.T) {
	ts := newTokenServer(t, 3600)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newOAuthProvider(t, ts, clock)

	first, err := p.Credentials(context.Background())
	require.NoError(t, err)

	clock.Advance(time.Hour - DefaultGuardWindow)
	second, err := p.Credentials(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-2", second.Token)
	assert.Greater(t, second.ExpiresAt, first.ExpiresAt)
	assert.Equal(t, int32(2), ts.calls.Load())
}

func TestOAuth_ConcurrentRefreshCollapses(t *testing.T) {
	ts := newTokenServer(t, 3600)
	ts.delay = 50 * time.Millisecond
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newOAuthProvider(t, ts, clock)

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Go(func() {
			c, err := p.Credentials(context.Background())
			if err == nil {
				tokens[i] = c.Token
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "tok-1", tok)
	}
}

func TestOAuth_FailureIsAuthenticationError(t *testing.T) {
	ts := newTokenServer(t, 3600)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newOAuthProvider(t, ts, clock)

	_, err := p.Credentials(context.Background())
	require.NoError(t, err)

	ts.fail.Store(true)
	clock.Advance(2 * time.Hour)

	_, err = p.Credentials(context.Background())
	require.Error(t, err)
	var me *core.ModelError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, core.ErrorKindAuthentication, me.Kind)
	assert.Contains(t, me.Message, "unknown client id")
}

func TestOAuth_TokenEndpointStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, `{"error":"maintenance"}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New(core.AuthConfig{
		Type:         core.AuthAKSK,
		APIKeyID:     "ak",
		APIKeySecret: "sk",
		TokenURL:     srv.URL,
	}, WithHTTPClient(srv.Client()), WithVendor("wenxin"))
	require.NoError(t, err)

	_, err = p.Credentials(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.ErrorKindAuthentication, core.KindOf(err))
	assert.Contains(t, err.Error(), "503")
}

func TestOAuth_InvalidateForcesRefresh(t *testing.T) {
	ts := newTokenServer(t, 3600)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := newOAuthProvider(t, ts, clock)

	_, err := p.Credentials(context.Background())
	require.NoError(t, err)
	p.Invalidate()

	c, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", c.Token)
}
