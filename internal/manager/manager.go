// Package manager owns the lifecycle of the configured models: it builds a
// model on first use, decorates it and closes it on refresh or shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"modelhub/internal/core"
	"modelhub/internal/decorator"
	"modelhub/internal/model"
	"modelhub/internal/providers"
)

// ErrNotRegistered is returned for an id without a registered config.
var ErrNotRegistered = errors.New("model config not registered")

// ErrSuperseded is returned by a build that a refresh or shutdown
// overtook. The model it built has been closed.
var ErrSuperseded = errors.New("model build superseded")

// DecoratorOptions selects the layers wrapped around every model. The retry
// policy comes from each model's own config.
type DecoratorOptions struct {
	Metrics  bool
	Retry    bool
	Cache    bool
	CacheTTL time.Duration
}

// Builder constructs an undecorated model from a config.
type Builder func(cfg core.ModelConfig) (core.Model, error)

// Option configures a Manager.
type Option func(*Manager)

// WithDecorators sets the decorator layers and their backends.
func WithDecorators(opts DecoratorOptions, deps decorator.Deps) Option {
	return func(m *Manager) {
		m.decorators = opts
		m.deps = deps
	}
}

// WithBuilder replaces the default VendorModel builder.
func WithBuilder(b Builder) Option {
	return func(m *Manager) { m.build = b }
}

// WithModelOptions passes options to every VendorModel built.
func WithModelOptions(opts ...model.Option) Option {
	return func(m *Manager) {
		m.build = func(cfg core.ModelConfig) (core.Model, error) {
			return model.New(cfg, opts...)
		}
	}
}

// Manager maps model ids to configs and to live, decorated instances.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]core.ModelConfig
	live    map[string]core.Model
	group   singleflight.Group

	// epoch advances on Shutdown and gens[id] on RefreshModel; a build
	// only stores its result if neither moved while it ran.
	epoch uint64
	gens  map[string]uint64

	build      Builder
	decorators DecoratorOptions
	deps       decorator.Deps
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		configs: make(map[string]core.ModelConfig),
		live:    make(map[string]core.Model),
		gens:    make(map[string]uint64),
		build: func(cfg core.ModelConfig) (core.Model, error) {
			return model.New(cfg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register stores cfg under its model id. A live instance for the same id
// keeps its old config until RefreshModel.
func (m *Manager) Register(cfg core.ModelConfig) error {
	check := cfg
	if check.Endpoint == "" {
		if a, err := providers.Lookup(cfg.Vendor); err == nil {
			check.Endpoint = a.Dialect().BaseURL
		}
	}
	if err := check.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.configs[cfg.ModelID] = cfg
	_, running := m.live[cfg.ModelID]
	m.mu.Unlock()

	slog.Info("model registered", "model_id", cfg.ModelID, "vendor", cfg.Vendor, "live", running)
	return nil
}

// Config returns the registered config of id.
func (m *Manager) Config(id string) (core.ModelConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[id]
	return cfg, ok
}

// Models lists registered model ids in sorted order.
func (m *Manager) Models() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Live reports the live instance of id without building it.
func (m *Manager) Live(id string) (core.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.live[id]
	return md, ok
}

// GetModel returns the live instance of id, building, initializing and
// decorating it on first use. Concurrent first calls share one build. A
// model whose Init fails is closed and not kept.
func (m *Manager) GetModel(ctx context.Context, id string) (core.Model, error) {
	if md, ok := m.Live(id); ok {
		return md, nil
	}

	ch := m.group.DoChan(id, func() (any, error) {
		return m.create(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(core.Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) create(ctx context.Context, id string) (core.Model, error) {
	m.mu.RLock()
	md, ok := m.live[id]
	cfg, registered := m.configs[id]
	epoch, gen := m.epoch, m.gens[id]
	m.mu.RUnlock()
	if ok {
		return md, nil
	}
	if !registered {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	base, err := m.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build model %s: %w", id, err)
	}
	if err := base.Init(ctx); err != nil {
		if cerr := base.Close(); cerr != nil {
			slog.Warn("failed to close model after init error", "model_id", id, "error", cerr)
		}
		return nil, fmt.Errorf("init model %s: %w", id, err)
	}

	md = decorator.Apply(base, decorator.Options{
		Metrics:     m.decorators.Metrics,
		Retry:       m.decorators.Retry,
		RetryConfig: cfg.WithDefaults().Retry,
		Cache:       m.decorators.Cache,
		CacheTTL:    m.decorators.CacheTTL,
	}, m.deps)

	m.mu.Lock()
	current := m.epoch == epoch && m.gens[id] == gen
	if current {
		m.live[id] = md
	}
	m.mu.Unlock()
	if !current {
		if err := md.Close(); err != nil {
			slog.Warn("failed to close superseded model", "model_id", id, "error", err)
		}
		slog.Info("model build superseded", "model_id", id)
		return nil, fmt.Errorf("%w: %s", ErrSuperseded, id)
	}

	slog.Info("model initialized", "model_id", id, "vendor", cfg.Vendor, "status", md.Status())
	return md, nil
}

// RefreshModel closes and evicts the live instance of id. The next GetModel
// builds a fresh one from the current config; a build already running for
// id is discarded when it finishes.
func (m *Manager) RefreshModel(id string) error {
	m.mu.Lock()
	md, ok := m.live[id]
	delete(m.live, id)
	m.gens[id]++
	m.group.Forget(id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	slog.Info("model refreshed", "model_id", id)
	if err := md.Close(); err != nil {
		return fmt.Errorf("close model %s: %w", id, err)
	}
	return nil
}

// Shutdown closes every live instance concurrently and clears the set.
// Builds still running when it is called close what they built instead of
// storing it. Registered configs are kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := m.live
	m.live = make(map[string]core.Model)
	m.epoch++
	for id := range m.configs {
		m.group.Forget(id)
	}
	m.mu.Unlock()

	slog.Info("shutting down models", "count", len(live))

	var g errgroup.Group
	for id, md := range live {
		g.Go(func() error {
			if err := md.Close(); err != nil {
				return fmt.Errorf("close model %s: %w", id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
