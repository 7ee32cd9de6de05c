package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/internal/core"
	"modelhub/internal/usage"
)

type stubModel struct {
	mu         sync.Mutex
	lastCtx    context.Context
	lastParams core.Params
	lastMsgs   []core.Message
	err        error
	chunks     []string
	streamErr  error
}

func (m *stubModel) record(ctx context.Context, msgs []core.Message, p core.Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCtx, m.lastMsgs, m.lastParams = ctx, msgs, p
}

func (m *stubModel) Generate(ctx context.Context, prompt string, p core.Params) (*core.ModelResponse, error) {
	m.record(ctx, []core.Message{core.UserMessage(prompt)}, p)
	if m.err != nil {
		return nil, m.err
	}
	return &core.ModelResponse{Content: "echo: " + prompt, ModelID: "stub:model", Usage: core.NewTokenUsage(2, 3)}, nil
}

func (m *stubModel) Chat(ctx context.Context, msgs []core.Message, p core.Params) (*core.ModelResponse, error) {
	m.record(ctx, msgs, p)
	if m.err != nil {
		return nil, m.err
	}
	return &core.ModelResponse{Content: "echo: " + msgs[len(msgs)-1].Text(), ModelID: "stub:model"}, nil
}

func (m *stubModel) stream(ctx context.Context) (*core.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := core.NewStream(nil, nil)
	go func() {
		for _, c := range m.chunks {
			if s.Send(ctx, c) != nil {
				return
			}
		}
		if m.streamErr != nil {
			s.Fail(m.streamErr)
			return
		}
		s.Complete(nil)
	}()
	return s, nil
}

func (m *stubModel) GenerateStream(ctx context.Context, prompt string, p core.Params) (*core.Stream, error) {
	m.record(ctx, nil, p)
	return m.stream(ctx)
}

func (m *stubModel) ChatStream(ctx context.Context, msgs []core.Message, p core.Params) (*core.Stream, error) {
	m.record(ctx, msgs, p)
	return m.stream(ctx)
}

func (m *stubModel) Info() core.ModelInfo           { return core.ModelInfo{ModelID: "stub:model"} }
func (m *stubModel) Status() core.ModelStatus       { return core.StatusReady }
func (m *stubModel) Init(ctx context.Context) error { return nil }
func (m *stubModel) Close() error                   { return nil }

type stubBackend struct {
	model   *stubModel
	lastSel Selection
	err     error
}

func (b *stubBackend) Resolve(_ context.Context, sel Selection) (core.Model, error) {
	b.lastSel = sel
	if b.err != nil {
		return nil, b.err
	}
	return b.model, nil
}

func (b *stubBackend) Models() []ModelView {
	healthy := true
	return []ModelView{{ModelID: "stub:model", Vendor: core.VendorOpenAI, Status: "READY", Healthy: &healthy}}
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestGenerate(t *testing.T) {
	b := &stubBackend{model: &stubModel{}}
	srv := New(b, nil)

	rec := do(t, srv, http.MethodPost, "/v1/generate",
		`{"model":"fast","vendor":"openai","fallback":true,"prompt":"hi","params":{"temperature":0.5}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp core.ModelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hi", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, Selection{Model: "fast", Vendor: "openai", Fallback: true}, b.lastSel)
	assert.Equal(t, 0.5, b.model.lastParams["temperature"])
}

func TestChat(t *testing.T) {
	b := &stubBackend{model: &stubModel{}}
	srv := New(b, nil)

	rec := do(t, srv, http.MethodPost, "/v1/chat",
		`{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"content":"echo: hello"`)
	require.Len(t, b.model.lastMsgs, 2)
	assert.Equal(t, core.RoleSystem, b.model.lastMsgs[0].Role)
}

func TestRequestValidation(t *testing.T) {
	srv := New(&stubBackend{model: &stubModel{}}, nil)
	tests := []struct {
		name, path, body string
	}{
		{"missing prompt", "/v1/generate", `{"model":"x"}`},
		{"missing messages", "/v1/chat", `{"prompt":"x"}`},
		{"malformed json", "/v1/chat", `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), string(core.ErrorKindInvalidRequest))
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		resolveErr error
		callErr    error
		wantStatus int
		wantType   string
	}{
		{"rate limit", nil, core.NewRateLimitError("openai", "slow down"), http.StatusTooManyRequests, "rate_limit_error"},
		{"unavailable model", core.NewModelUnavailableError("", "no such model"), nil, http.StatusNotFound, "model_unavailable_error"},
		{"deadline", nil, context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout_error"},
		{"opaque", nil, errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &stubBackend{model: &stubModel{err: tt.callErr}, err: tt.resolveErr}
			rec := do(t, New(b, nil), http.MethodPost, "/v1/generate", `{"prompt":"x"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body.Error.Type)
		})
	}
}

func readEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			events = append(events, line)
		}
	}
	return events
}

func TestChatStream(t *testing.T) {
	m := &stubModel{chunks: []string{"Hel", "lo"}}
	srv := New(&stubBackend{model: m}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{
		`data: {"text":"Hel"}`,
		`data: {"text":"lo"}`,
		`event: done`,
		`data: {}`,
	}, readEvents(t, rec.Body.String()))
}

func TestGenerateStream_FailureInBand(t *testing.T) {
	m := &stubModel{chunks: []string{"par"}, streamErr: core.NewServerError("claude", 529, "overloaded", nil)}
	srv := New(&stubBackend{model: m}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/generate/stream", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events := readEvents(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, `event: error`, events[1])
	assert.Contains(t, events[2], `"type":"server_error"`)
}

func TestStream_OpenErrorIsJSON(t *testing.T) {
	m := &stubModel{err: core.NewInvalidRequestError("model does not support streaming", nil)}
	rec := do(t, New(&stubBackend{model: m}, nil), http.MethodPost, "/v1/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "does not support streaming")
}

func TestRequestID(t *testing.T) {
	m := &stubModel{}
	srv := New(&stubBackend{model: m}, nil)

	t.Run("generated when missing", func(t *testing.T) {
		rec := do(t, srv, http.MethodPost, "/v1/generate", `{"prompt":"x"}`)
		id := rec.Header().Get("X-Request-ID")
		assert.Len(t, id, 36)
		assert.Equal(t, id, core.GetRequestID(m.lastCtx))
		assert.Equal(t, "/v1/generate", core.GetCaller(m.lastCtx))
	})

	t.Run("client id preserved", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
		assert.Equal(t, "req-42", core.GetRequestID(m.lastCtx))
	})
}

func TestListModelsAndHealth(t *testing.T) {
	srv := New(&stubBackend{model: &stubModel{}}, nil)

	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"model_id":"stub:model","vendor":"openai","status":"READY","healthy":true}]}`, rec.Body.String())
}

func TestMasterKeyProtectsAPI(t *testing.T) {
	srv := New(&stubBackend{model: &stubModel{}}, &Config{MasterKey: "k", MetricsEnabled: true, Gatherer: prometheus.NewRegistry()})

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/v1/models", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/metrics", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "modelhub_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	tests := []struct {
		name       string
		cfg        *Config
		path       string
		wantStatus int
	}{
		{"enabled default path", &Config{MetricsEnabled: true, Gatherer: reg}, "/metrics", http.StatusOK},
		{"custom path", &Config{MetricsEnabled: true, MetricsPath: "/internal/metrics", Gatherer: reg}, "/internal/metrics", http.StatusOK},
		{"custom path hides default", &Config{MetricsEnabled: true, MetricsPath: "/internal/metrics", Gatherer: reg}, "/metrics", http.StatusNotFound},
		{"disabled", &Config{Gatherer: reg}, "/metrics", http.StatusNotFound},
		{"nil config", nil, "/metrics", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, New(&stubBackend{model: &stubModel{}}, tt.cfg), http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, rec.Body.String(), "modelhub_test_total 1")
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	srv := New(&stubBackend{model: &stubModel{}}, &Config{BodyLimit: "1K"})
	rec := do(t, srv, http.MethodPost, "/v1/generate", `{"prompt":"`+strings.Repeat("a", 2048)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type stubUsage struct {
	lastQuery usage.Query
}

func (u *stubUsage) Summary(_ context.Context, q usage.Query) (*usage.Summary, error) {
	u.lastQuery = q
	return &usage.Summary{Requests: 3, Failures: 1, TotalTokens: 47}, nil
}

func (u *stubUsage) ByModel(_ context.Context, q usage.Query) ([]usage.ModelUsage, error) {
	u.lastQuery = q
	return []usage.ModelUsage{{ModelID: "openai:gpt-4o", Summary: usage.Summary{Requests: 2}}}, nil
}

func TestUsage(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec := do(t, New(&stubBackend{}, nil), http.MethodGet, "/v1/usage", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	u := &stubUsage{}
	srv := New(&stubBackend{}, &Config{Usage: u})

	t.Run("summary", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/v1/usage?since=2024-05-01T00:00:00Z&model=openai:gpt-4o", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"total_tokens":47`)
		assert.Equal(t, "openai:gpt-4o", u.lastQuery.ModelID)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), u.lastQuery.Since)
		assert.True(t, u.lastQuery.Until.IsZero())
	})

	t.Run("by model", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/v1/usage?group=model", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"model_id":"openai:gpt-4o"`)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/v1/usage?until=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
