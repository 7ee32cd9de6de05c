// Package model binds a vendor dialect, a credential provider and the HTTP
// transport into a core.Model.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"modelhub/internal/auth"
	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

type options struct {
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures New.
type Option func(*options)

// WithHTTPClient sets the client used for vendor and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock overrides time.Now for credential expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// VendorModel is the concrete model that talks to one vendor endpoint.
// It is safe for concurrent use.
type VendorModel struct {
	cfg     core.ModelConfig
	adapter *providers.Adapter
	auth    auth.Provider
	client  *llmclient.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	status   core.StatusCell
	inflight atomic.Int64

	// base is cancelled by Close and ends every open stream
	base context.Context
	stop context.CancelFunc
}

var _ core.Model = (*VendorModel)(nil)

// New builds a model for cfg.Vendor. An empty endpoint falls back to the
// vendor's public base URL. No network call is made until Init or the
// first request.
func New(cfg core.ModelConfig, opts ...Option) (*VendorModel, error) {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	adapter, err := providers.Lookup(cfg.Vendor)
	if err != nil {
		return nil, err
	}
	d := adapter.Dialect()
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.BaseURL
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	authOpts := []auth.Option{auth.WithClock(o.now), auth.WithVendor(string(cfg.Vendor))}
	if d.APIKeyHeader != "" {
		authOpts = append(authOpts, auth.WithAPIKeyHeader(d.APIKeyHeader))
	}
	if o.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(o.httpClient))
	}
	provider, err := auth.New(cfg.Auth, authOpts...)
	if err != nil {
		return nil, err
	}

	base, stop := context.WithCancel(context.Background())
	m := &VendorModel{
		cfg:     cfg,
		adapter: adapter,
		auth:    provider,
		client: llmclient.NewWithHTTPClient(o.httpClient,
			llmclient.DefaultConfig(string(cfg.Vendor), strings.TrimRight(cfg.Endpoint, "/")), nil),
		logger: o.logger.With("model", cfg.ModelID, "vendor", string(cfg.Vendor)),
		base:   base,
		stop:   stop,
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	m.status.Reset(core.StatusInitializing)
	return m, nil
}

// Config returns the effective configuration with defaults applied.
func (m *VendorModel) Config() core.ModelConfig { return m.cfg }

// CircuitState reports the transport circuit breaker state.
func (m *VendorModel) CircuitState() string { return m.client.CircuitState() }

// Info describes the model.
func (m *VendorModel) Info() core.ModelInfo {
	d := m.adapter.Dialect()
	return core.ModelInfo{
		ModelID:       m.cfg.ModelID,
		Vendor:        m.cfg.Vendor,
		Endpoint:      m.cfg.Endpoint,
		DefaultModel:  d.DefaultModel,
		StreamSupport: m.cfg.Streams(),
		NativeTools:   d.NativeTools,
	}
}

// Status returns the lifecycle state.
func (m *VendorModel) Status() core.ModelStatus { return m.status.Load() }

// Init obtains credentials once so that configuration problems surface
// before traffic arrives.
func (m *VendorModel) Init(ctx context.Context) error {
	if m.offline() {
		return core.ErrModelOffline
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if _, err := m.auth.Credentials(ctx); err != nil {
		me := m.adapter.HandleError(err)
		m.status.Set(core.StatusError)
		m.logger.Error("model init failed", "error", me)
		return me
	}
	m.status.Set(core.StatusReady)
	m.logger.Info("model ready", "endpoint", m.cfg.Endpoint)
	return nil
}

// Close ends open streams and moves the model to OFFLINE. Further calls
// fail with core.ErrModelOffline.
func (m *VendorModel) Close() error {
	if m.status.Load() == core.StatusOffline {
		return nil
	}
	m.status.Set(core.StatusClosing)
	m.stop()
	m.status.Set(core.StatusOffline)
	m.logger.Info("model closed")
	return nil
}

// Generate completes a bare prompt.
func (m *VendorModel) Generate(ctx context.Context, prompt string, params core.Params) (*core.ModelResponse, error) {
	return m.complete(ctx, prompt, nil, params)
}

// Chat completes a message list.
func (m *VendorModel) Chat(ctx context.Context, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	return m.complete(ctx, "", messages, params)
}

// GenerateStream streams the completion of a bare prompt.
func (m *VendorModel) GenerateStream(ctx context.Context, prompt string, params core.Params) (*core.Stream, error) {
	return m.stream(ctx, prompt, nil, params)
}

// ChatStream streams the completion of a message list.
func (m *VendorModel) ChatStream(ctx context.Context, messages []core.Message, params core.Params) (*core.Stream, error) {
	return m.stream(ctx, "", messages, params)
}

func (m *VendorModel) offline() bool {
	s := m.status.Load()
	return s == core.StatusOffline || s == core.StatusClosing
}

func (m *VendorModel) begin() error {
	if m.offline() {
		return core.ErrModelOffline
	}
	m.inflight.Add(1)
	m.status.Set(core.StatusBusy)
	return nil
}

// end records the outcome of one call. A consumer closing its stream is
// not a model failure.
func (m *VendorModel) end(err error) {
	n := m.inflight.Add(-1)
	if err != nil && !errors.Is(err, core.ErrStreamClosed) {
		m.status.Set(core.StatusError)
		return
	}
	if n == 0 {
		m.status.Set(core.StatusReady)
	}
}

func (m *VendorModel) prepare(prompt string, messages []core.Message, params core.Params, stream bool) (*core.ModelRequest, *providers.WireRequest, error) {
	req, err := core.BuildRequest(prompt, messages, core.Merge(m.cfg.DefaultParams, params), stream)
	if err != nil {
		return nil, nil, m.adapter.HandleError(err)
	}
	wire, err := m.adapter.ConvertRequest(m.cfg, req)
	if err != nil {
		return nil, nil, m.adapter.HandleError(err)
	}
	return req, wire, nil
}

func (m *VendorModel) complete(ctx context.Context, prompt string, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := m.doComplete(ctx, prompt, messages, params)
	m.end(err)
	if err != nil {
		m.logger.Warn("vendor call failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	m.logger.Debug("vendor call", "duration", time.Since(start), "total_tokens", resp.Usage.TotalTokens)
	return resp, nil
}

func (m *VendorModel) doComplete(ctx context.Context, prompt string, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, wire, err := m.prepare(prompt, messages, params, false)
	if err != nil {
		return nil, err
	}
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	var out *core.ModelResponse
	err = m.withCredentials(ctx, func(creds *auth.Credentials) error {
		resp, err := m.client.Do(ctx, m.httpRequest(ctx, wire, creds))
		if err != nil {
			return err
		}
		out, err = m.adapter.ConvertResponse(req, m.cfg.ModelID, resp.Body)
		return err
	})
	if err != nil {
		return nil, m.adapter.HandleError(err)
	}
	return out, nil
}

// wait blocks on the local rate limiter.
func (m *VendorModel) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	if err := m.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return m.adapter.HandleError(ctx.Err())
		}
		return core.NewRateLimitError(string(m.cfg.Vendor), "local rate limit: "+err.Error())
	}
	return nil
}

// withCredentials runs fn with current credentials. A rejected credential
// from a refreshing provider is invalidated and fn runs exactly once more.
func (m *VendorModel) withCredentials(ctx context.Context, fn func(*auth.Credentials) error) error {
	attempt := func() error {
		creds, err := m.auth.Credentials(ctx)
		if err != nil {
			return err
		}
		return fn(creds)
	}

	err := attempt()
	if err == nil || !auth.CanRefresh(m.auth) {
		return err
	}
	if m.adapter.HandleError(err).Kind != core.ErrorKindAuthentication {
		return err
	}
	m.logger.Info("credentials rejected, refreshing", "error", err)
	m.auth.Invalidate()
	return attempt()
}

func (m *VendorModel) httpRequest(ctx context.Context, wire *providers.WireRequest, creds *auth.Credentials) llmclient.Request {
	headers := maps.Clone(wire.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	maps.Copy(headers, creds.Headers())
	if h := m.adapter.Dialect().RequestIDHeader; h != "" {
		if id := core.GetRequestID(ctx); id != "" {
			headers[h] = id
		}
	}

	query := maps.Clone(wire.Query)
	if q := creds.Query(); len(q) > 0 {
		if query == nil {
			query = make(map[string]string, len(q))
		}
		maps.Copy(query, q)
	}

	return llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: wire.Path,
		Query:    query,
		Body:     wire.Body,
		Headers:  headers,
	}
}

// stream opens the vendor stream. The per-call timeout bounds connecting
// and receiving the response headers, and then each wait for the next line
// of the body, so a vendor that stalls mid-stream ends it with a timeout.
// Time spent waiting on a slow consumer does not count.
func (m *VendorModel) stream(ctx context.Context, prompt string, messages []core.Message, params core.Params) (*core.Stream, error) {
	if !m.cfg.Streams() {
		return nil, core.NewModelError(core.ErrorKindInvalidRequest, string(m.cfg.Vendor),
			fmt.Sprintf("model %s does not support streaming", m.cfg.ModelID), nil)
	}
	if err := m.begin(); err != nil {
		return nil, err
	}

	req, wire, err := m.prepare(prompt, messages, params, true)
	if err != nil {
		m.end(err)
		return nil, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	stopOnClose := context.AfterFunc(m.base, func() { cancel(core.ErrModelOffline) })
	release := func(cause error) {
		stopOnClose()
		cancel(cause)
	}

	if err := m.wait(sctx); err != nil {
		release(err)
		m.end(err)
		return nil, err
	}

	openTimer := time.AfterFunc(m.cfg.Timeout, func() { cancel(context.DeadlineExceeded) })
	var body io.ReadCloser
	err = m.withCredentials(sctx, func(creds *auth.Credentials) error {
		var err error
		body, err = m.client.Stream(sctx, m.httpRequest(sctx, wire, creds))
		return err
	})
	openTimer.Stop()
	if err != nil {
		me := m.streamError(sctx, err)
		release(err)
		m.end(me)
		m.logger.Warn("vendor stream failed to open", "error", me)
		return nil, me
	}

	start := time.Now()
	s := core.NewStream(
		func() { release(core.ErrStreamClosed) },
		func(err error) {
			m.end(err)
			if err != nil && !errors.Is(err, core.ErrStreamClosed) {
				m.logger.Warn("vendor stream failed", "error", err, "duration", time.Since(start))
				return
			}
			m.logger.Debug("vendor stream finished", "duration", time.Since(start))
		},
	)
	go m.produce(sctx, cancel, body, req, s)
	return s, nil
}

// produce pumps vendor events into s and ends it with exactly one terminal
// event. A body that ends without a completion marker still completes.
func (m *VendorModel) produce(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, req *core.ModelRequest, s *core.Stream) {
	idle := time.AfterFunc(m.cfg.Timeout, func() { cancel(context.DeadlineExceeded) })
	idle.Stop()
	defer func() {
		idle.Stop()
		_ = body.Close()
	}()

	d := m.adapter.Dialect()
	reader := llmclient.NewLineReader(body, d.Framing)
	var (
		calls providers.ToolCallAccumulator
		text  strings.Builder
		usage core.TokenUsage
	)

	for {
		idle.Reset(m.cfg.Timeout)
		line, err := reader.Next()
		idle.Stop()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.Fail(m.streamError(ctx, err))
			return
		}

		c, err := m.adapter.ConvertChunk(line)
		if err != nil {
			s.Fail(m.adapter.HandleError(err))
			return
		}
		for _, delta := range c.ToolCalls {
			calls.Add(delta)
		}
		if c.Usage != nil {
			usage = mergeUsage(usage, *c.Usage)
		}
		if c.Text != "" {
			text.WriteString(c.Text)
			if err := s.Send(ctx, c.Text); err != nil {
				s.Fail(m.streamError(ctx, err))
				return
			}
		}
		if c.Done {
			break
		}
	}

	toolCalls := calls.Calls()
	if len(toolCalls) == 0 && req.HasTools() && !d.NativeTools {
		toolCalls = providers.RecoverToolCalls(text.String())
	}
	if s.CompleteWithUsage(toolCalls, usage) && usage.TotalTokens > 0 {
		m.logger.Debug("vendor stream usage", "prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens, "total_tokens", usage.TotalTokens)
	}
}

// streamError types a stream failure, preferring the reason the stream
// context ended over the transport error it caused.
func (m *VendorModel) streamError(ctx context.Context, err error) error {
	switch cause := context.Cause(ctx); {
	case cause == nil:
		return m.adapter.HandleError(err)
	case errors.Is(cause, context.DeadlineExceeded):
		return core.NewTimeoutError(string(m.cfg.Vendor), "stream timed out", err)
	case errors.Is(cause, core.ErrStreamClosed), errors.Is(cause, core.ErrModelOffline):
		return cause
	default:
		return m.adapter.HandleError(cause)
	}
}

// mergeUsage folds a later usage report into an earlier one. Some vendors
// report prompt tokens at the start and completion tokens at the end.
func mergeUsage(prev, next core.TokenUsage) core.TokenUsage {
	prompt, completion := next.PromptTokens, next.CompletionTokens
	if prompt == 0 {
		prompt = prev.PromptTokens
	}
	if completion == 0 {
		completion = prev.CompletionTokens
	}
	return core.NewTokenUsage(prompt, completion)
}
