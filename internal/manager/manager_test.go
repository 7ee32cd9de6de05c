package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/internal/cache"
	"modelhub/internal/core"
	"modelhub/internal/decorator"
	"modelhub/internal/model"
)

type stubModel struct {
	cfg     core.ModelConfig
	initErr error
	closed  atomic.Int32
	status  core.StatusCell
}

func (s *stubModel) Generate(context.Context, string, core.Params) (*core.ModelResponse, error) {
	return &core.ModelResponse{Content: s.cfg.Endpoint, ModelID: s.cfg.ModelID}, nil
}

func (s *stubModel) Chat(ctx context.Context, _ []core.Message, p core.Params) (*core.ModelResponse, error) {
	return s.Generate(ctx, "", p)
}

func (s *stubModel) GenerateStream(context.Context, string, core.Params) (*core.Stream, error) {
	return nil, errors.New("not supported")
}

func (s *stubModel) ChatStream(context.Context, []core.Message, core.Params) (*core.Stream, error) {
	return nil, errors.New("not supported")
}

func (s *stubModel) Info() core.ModelInfo {
	return core.ModelInfo{ModelID: s.cfg.ModelID, Vendor: s.cfg.Vendor, Endpoint: s.cfg.Endpoint}
}

func (s *stubModel) Status() core.ModelStatus { return s.status.Load() }

func (s *stubModel) Init(context.Context) error {
	if s.initErr != nil {
		s.status.Set(core.StatusError)
		return s.initErr
	}
	s.status.Set(core.StatusReady)
	return nil
}

func (s *stubModel) Close() error {
	s.closed.Add(1)
	s.status.Set(core.StatusOffline)
	return nil
}

type stubBuilder struct {
	mu      sync.Mutex
	built   []*stubModel
	initErr error
	delay   time.Duration
}

func (b *stubBuilder) build(cfg core.ModelConfig) (core.Model, error) {
	time.Sleep(b.delay)
	s := &stubModel{cfg: cfg, initErr: b.initErr}
	b.mu.Lock()
	b.built = append(b.built, s)
	b.mu.Unlock()
	return s, nil
}

func (b *stubBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.built)
}

func stubConfig(id, endpoint string) core.ModelConfig {
	return core.ModelConfig{ModelID: id, Vendor: core.VendorOpenAI, Endpoint: endpoint}
}

func TestRegister_Validation(t *testing.T) {
	m := New()

	require.NoError(t, m.Register(core.ModelConfig{ModelID: "claude:haiku", Vendor: core.VendorClaude}),
		"an empty endpoint falls back to the vendor default")

	err := m.Register(core.ModelConfig{ModelID: "x", Vendor: "nope"})
	assert.Equal(t, core.ErrorKindInvalidRequest, core.KindOf(err))

	err = m.Register(core.ModelConfig{Vendor: core.VendorOpenAI})
	assert.Equal(t, core.ErrorKindInvalidRequest, core.KindOf(err))

	assert.Equal(t, []string{"claude:haiku"}, m.Models())
}

func TestGetModel_NotRegistered(t *testing.T) {
	_, err := New().GetModel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestGetModel_BuildsOnceUnderContention(t *testing.T) {
	b := &stubBuilder{delay: 20 * time.Millisecond}
	m := New(WithBuilder(b.build))
	require.NoError(t, m.Register(stubConfig("openai:a", "http://a")))

	const callers = 32
	got := make([]core.Model, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := m.GetModel(context.Background(), "openai:a")
			assert.NoError(t, err)
			got[i] = md
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, b.count())
	for _, md := range got {
		assert.Same(t, got[0], md)
	}
	assert.Equal(t, core.StatusReady, got[0].Status())
}

func TestGetModel_InitFailureNotKept(t *testing.T) {
	b := &stubBuilder{initErr: core.NewAuthenticationError("openai", "bad key", nil)}
	m := New(WithBuilder(b.build))
	require.NoError(t, m.Register(stubConfig("openai:a", "http://a")))

	_, err := m.GetModel(context.Background(), "openai:a")
	require.Error(t, err)
	assert.Equal(t, core.ErrorKindAuthentication, core.KindOf(err))
	assert.EqualValues(t, 1, b.built[0].closed.Load())

	_, ok := m.Live("openai:a")
	assert.False(t, ok)

	b.initErr = nil
	md, err := m.GetModel(context.Background(), "openai:a")
	require.NoError(t, err)
	assert.Equal(t, core.StatusReady, md.Status())
	assert.Equal(t, 2, b.count())
}

func TestGetModel_CallerCancelled(t *testing.T) {
	b := &stubBuilder{delay: 100 * time.Millisecond}
	m := New(WithBuilder(b.build))
	require.NoError(t, m.Register(stubConfig("openai:a", "http://a")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.GetModel(ctx, "openai:a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	md, err := m.GetModel(context.Background(), "openai:a")
	require.NoError(t, err)
	assert.NotNil(t, md)
	assert.Equal(t, 1, b.count(), "the abandoned build still completes and is shared")
}

func TestRegister_LiveInstanceKeepsConfigUntilRefresh(t *testing.T) {
	b := &stubBuilder{}
	m := New(WithBuilder(b.build))
	ctx := context.Background()
	require.NoError(t, m.Register(stubConfig("openai:a", "http://old")))

	first, err := m.GetModel(ctx, "openai:a")
	require.NoError(t, err)

	require.NoError(t, m.Register(stubConfig("openai:a", "http://new")))
	same, err := m.GetModel(ctx, "openai:a")
	require.NoError(t, err)
	assert.Same(t, first, same)
	assert.Equal(t, "http://old", same.Info().Endpoint)

	require.NoError(t, m.RefreshModel("openai:a"))
	assert.Equal(t, core.StatusOffline, first.Status())

	fresh, err := m.GetModel(ctx, "openai:a")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	assert.Equal(t, "http://new", fresh.Info().Endpoint)

	assert.NoError(t, m.RefreshModel("never-built"))
}

func TestRefreshModel_DuringBuild(t *testing.T) {
	b := &stubBuilder{delay: 100 * time.Millisecond}
	m := New(WithBuilder(b.build))
	ctx := context.Background()
	require.NoError(t, m.Register(stubConfig("openai:a", "http://a")))

	stale := make(chan error, 1)
	go func() {
		_, err := m.GetModel(ctx, "openai:a")
		stale <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.RefreshModel("openai:a"))

	fresh, err := m.GetModel(ctx, "openai:a")
	require.NoError(t, err)
	assert.ErrorIs(t, <-stale, ErrSuperseded)

	require.Equal(t, 2, b.count())
	live, ok := m.Live("openai:a")
	require.True(t, ok)
	assert.Same(t, fresh, live)

	var closed int
	for _, s := range b.built {
		if s.closed.Load() > 0 {
			closed++
			assert.NotSame(t, decorator.Unwrap(fresh), s)
		}
	}
	assert.Equal(t, 1, closed, "the superseded instance must be closed")
}

func TestShutdown_DuringBuild(t *testing.T) {
	b := &stubBuilder{delay: 100 * time.Millisecond}
	m := New(WithBuilder(b.build))
	ctx := context.Background()
	require.NoError(t, m.Register(stubConfig("openai:a", "http://a")))

	done := make(chan error, 1)
	go func() {
		_, err := m.GetModel(ctx, "openai:a")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Shutdown(ctx))

	assert.ErrorIs(t, <-done, ErrSuperseded)
	_, ok := m.Live("openai:a")
	assert.False(t, ok, "no instance may outlive shutdown")
	require.Equal(t, 1, b.count())
	assert.EqualValues(t, 1, b.built[0].closed.Load())
	assert.Equal(t, core.StatusOffline, b.built[0].Status())

	md, err := m.GetModel(ctx, "openai:a")
	require.NoError(t, err, "configs survive shutdown so the model can be built again")
	assert.Equal(t, core.StatusReady, md.Status())
}

func TestShutdown(t *testing.T) {
	b := &stubBuilder{}
	m := New(WithBuilder(b.build))
	ctx := context.Background()
	for _, id := range []string{"openai:a", "openai:b", "openai:c"} {
		require.NoError(t, m.Register(stubConfig(id, "http://"+id)))
		_, err := m.GetModel(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown(ctx))
	for _, s := range b.built {
		assert.EqualValues(t, 1, s.closed.Load())
	}
	_, ok := m.Live("openai:a")
	assert.False(t, ok)
	assert.Len(t, m.Models(), 3, "configs survive shutdown")
}

func TestGetModel_AppliesDecorators(t *testing.T) {
	b := &stubBuilder{}
	store := cache.NewMemoryCache(0)
	t.Cleanup(func() { _ = store.Close() })
	m := New(
		WithBuilder(b.build),
		WithDecorators(DecoratorOptions{Retry: true, Cache: true}, decorator.Deps{Cache: store}),
	)
	require.NoError(t, m.Register(stubConfig("openai:a", "http://a")))

	md, err := m.GetModel(context.Background(), "openai:a")
	require.NoError(t, err)
	_, isCache := md.(*decorator.Cache)
	assert.True(t, isCache, "cache must be the outermost layer, got %T", md)
	assert.Same(t, b.built[0], decorator.Unwrap(md))
}

func TestGetModel_VendorModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"r1","choices":[{"message":{"role":"assistant","content":"4"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	t.Cleanup(srv.Close)

	m := New(WithModelOptions(model.WithHTTPClient(srv.Client())))
	require.NoError(t, m.Register(core.ModelConfig{
		ModelID:  "openai:gpt-4o-mini",
		Vendor:   core.VendorOpenAI,
		Endpoint: srv.URL,
		Auth:     core.AuthConfig{APIKey: "sk-test"},
	}))

	md, err := m.GetModel(context.Background(), "openai:gpt-4o-mini")
	require.NoError(t, err)
	resp, err := md.Chat(context.Background(), []core.Message{core.UserMessage("2+2?")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, core.StatusOffline, md.Status())
}
