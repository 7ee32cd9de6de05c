// Package app wires configuration into a running model hub and owns the
// lifecycle of every component.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"modelhub/config"
	"modelhub/internal/cache"
	"modelhub/internal/decorator"
	"modelhub/internal/manager"
	"modelhub/internal/metrics"
	"modelhub/internal/model"
	"modelhub/internal/router"
	"modelhub/internal/server"
	"modelhub/internal/usage"
)

// App represents the main application with all its dependencies.
type App struct {
	config   *config.Config
	usage    *usage.Result
	cache    cache.ResponseCache
	manager  *manager.Manager
	router   *router.Router
	monitor  *router.HealthMonitor
	stopMon  context.CancelFunc
	gateway  *gateway
	server   *server.Server
	registry *prometheus.Registry

	shutdownMu sync.Mutex
	shutdown   bool
}

// Option adjusts how New builds the app.
type Option func(*options)

type options struct {
	modelOpts []model.Option
	registry  *prometheus.Registry
}

// WithModelOptions is passed to every vendor model the manager builds.
func WithModelOptions(opts ...model.Option) Option {
	return func(o *options) { o.modelOpts = append(o.modelOpts, opts...) }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{config: cfg, registry: o.registry}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if err := a.init(ctx, o); err != nil {
		if closeErr := a.Shutdown(context.WithoutCancel(ctx)); closeErr != nil {
			return nil, fmt.Errorf("%w (also: close error: %v)", err, closeErr)
		}
		return nil, err
	}
	a.logStartupInfo()
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	cfg := a.config

	usageResult, err := usage.New(ctx, cfg.Usage, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize usage tracking: %w", err)
	}
	a.usage = usageResult

	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus(cfg.Metrics.Namespace, a.registry)
	}
	var collector metrics.Collector
	if cfg.Usage.Enabled {
		collector = metrics.Multi(promCollector(prom), usage.NewSink(usageResult.Writer))
	} else {
		collector = metrics.Multi(promCollector(prom))
	}

	if a.cache, err = newCache(cfg.Cache); err != nil {
		return fmt.Errorf("failed to initialize response cache: %w", err)
	}

	mgrOpts := []manager.Option{
		manager.WithDecorators(manager.DecoratorOptions{
			Metrics:  cfg.Decorators.Metrics,
			Retry:    cfg.Decorators.Retry,
			Cache:    cfg.Decorators.Cache,
			CacheTTL: cfg.Cache.TTL,
		}, decorator.Deps{Collector: collector, Cache: a.cache}),
	}
	if len(o.modelOpts) > 0 {
		mgrOpts = append(mgrOpts, manager.WithModelOptions(o.modelOpts...))
	}
	a.manager = manager.New(mgrOpts...)

	models, err := cfg.ModelConfigs()
	if err != nil {
		return err
	}
	for _, mc := range models {
		if err := a.manager.Register(mc); err != nil {
			return fmt.Errorf("failed to register model: %w", err)
		}
	}

	if err := a.initRouter(ctx, prom); err != nil {
		return err
	}

	a.gateway = newGateway(a.manager, a.router, a.monitor, aliases(cfg))
	a.server = server.New(a.gateway, &server.Config{
		MasterKey:      cfg.Server.MasterKey,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		Gatherer:       a.registry,
		BodyLimit:      cfg.Server.BodyLimit,
		Usage:          usageResult.Reader,
	})
	return nil
}

// promCollector keeps a nil *Prometheus from becoming a non-nil interface.
func promCollector(p *metrics.Prometheus) metrics.Collector {
	if p == nil {
		return nil
	}
	return p
}

func newCache(cfg config.CacheConfig) (cache.ResponseCache, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return cache.NewMemoryCache(cfg.SweepInterval), nil
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{URL: cfg.Redis.URL, Prefix: cfg.Redis.Prefix})
	}
	return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
}

// initRouter creates every registered model up front and hands it to the
// router. A model that fails to initialize is logged and left out.
func (a *App) initRouter(ctx context.Context, prom *metrics.Prometheus) error {
	rc := a.config.Router
	strategy, err := router.ParseStrategy(rc.Strategy)
	if err != nil {
		return err
	}

	monOpts := []router.HealthOption{
		router.WithProbeInterval(rc.HealthCheck.Interval),
		router.WithProbeTimeout(rc.HealthCheck.Timeout),
		router.WithHistorySize(rc.HealthCheck.HistorySize),
	}
	if prom != nil {
		monOpts = append(monOpts, router.WithObserver(prom.SetHealthy))
	}
	a.monitor = router.NewHealthMonitor(monOpts...)

	var rOpts []router.Option
	switch rc.Balancer {
	case "", "round_robin":
		rOpts = append(rOpts, router.WithLoadBalancer(&router.RoundRobinBalancer{}))
	case "least_latency":
		rOpts = append(rOpts, router.WithLoadBalancer(router.NewLeastLatencyBalancer(a.monitor)))
	default:
		return fmt.Errorf("unknown load balancer %q", rc.Balancer)
	}
	a.router = router.New(strategy, rOpts...)

	monCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopMon = cancel
	aliases := aliases(a.config)
	for _, id := range a.manager.Models() {
		m, err := a.manager.GetModel(ctx, id)
		if err != nil {
			slog.Warn("model unavailable at startup", "model_id", id, "error", err)
			continue
		}
		client := router.NewModelClient(id, m, append([]string{id}, aliases[id]...)...)
		a.router.AddClient(client)
		if rc.HealthCheck.Enabled {
			a.monitor.Start(monCtx, client)
		}
	}

	if rc.Default != "" {
		if err := a.router.SetDefault(rc.Default); err != nil {
			slog.Warn("configured default model is not available", "model_id", rc.Default, "error", err)
		}
	}
	return nil
}

// aliases maps model id to its configured aliases.
func aliases(cfg *config.Config) map[string][]string {
	out := make(map[string][]string, len(cfg.Models))
	for id, m := range cfg.Models {
		if len(m.Aliases) > 0 {
			out[id] = m.Aliases
		}
	}
	return out
}

// Router returns the model router.
func (a *App) Router() *router.Router { return a.router }

// Manager returns the model manager.
func (a *App) Manager() *manager.Manager { return a.manager }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.server }

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears components down in dependency order: HTTP server, health
// probes, models, response cache, usage ledger. The ledger closes last so
// the final calls are flushed. Shutdown is idempotent; every step is
// attempted and failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.monitor != nil {
		a.monitor.StopAll()
	}
	if a.stopMon != nil {
		a.stopMon()
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("models close: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		slog.Error("shutdown errors", "error", err)
		return fmt.Errorf("shutdown errors: %w", err)
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("MODELHUB_MASTER_KEY not set, /v1 routes are unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "path", cfg.Metrics.Path)
	}
	if cfg.Usage.Enabled {
		slog.Info("usage tracking enabled",
			"storage", cfg.Storage.Type,
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	}
	slog.Info("router configured",
		"strategy", a.router.Strategy(),
		"clients", len(a.router.Clients()),
		"health_check", cfg.Router.HealthCheck.Enabled,
	)
}
