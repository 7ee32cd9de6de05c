// Package decorator wraps a core.Model with cross-cutting behaviour while
// keeping its interface. Apply composes the layers in a fixed order: Cache
// outermost, Retry in the middle, Metrics innermost. A cache hit therefore
// never counts as an attempt, and every retried attempt is metered.
package decorator

import (
	"time"

	"modelhub/internal/cache"
	"modelhub/internal/core"
	"modelhub/internal/metrics"
)

// Options selects the layers to apply.
type Options struct {
	Metrics bool
	Retry   bool
	// RetryConfig is normally ModelConfig.Retry after WithDefaults.
	RetryConfig core.RetryConfig
	Cache       bool
	CacheTTL    time.Duration
}

// Deps carries the shared backends the layers report to.
type Deps struct {
	Collector metrics.Collector
	Cache     cache.ResponseCache
}

// Apply wraps m. Layers whose backend is missing are skipped.
func Apply(m core.Model, opts Options, deps Deps) core.Model {
	if opts.Metrics && deps.Collector != nil {
		m = NewMetrics(m, deps.Collector)
	}
	if opts.Retry {
		m = NewRetry(m, opts.RetryConfig)
	}
	if opts.Cache && deps.Cache != nil {
		var rec metrics.CacheRecorder
		if r, ok := deps.Collector.(metrics.CacheRecorder); ok {
			rec = r
		}
		m = NewCache(m, deps.Cache, opts.CacheTTL, rec)
	}
	return m
}

// Unwrap peels every decorator off m and returns the innermost model.
func Unwrap(m core.Model) core.Model {
	for {
		u, ok := m.(interface{ Unwrap() core.Model })
		if !ok {
			return m
		}
		m = u.Unwrap()
	}
}
