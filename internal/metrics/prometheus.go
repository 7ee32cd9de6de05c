package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "modelhub"

// Prometheus is a Collector backed by Prometheus counters and histograms.
type Prometheus struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	errors         *prometheus.CounterVec
	streamsStarted *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	healthy        *prometheus.GaugeVec
}

// NewPrometheus registers the model metrics on reg. A nil reg uses the
// default registerer.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Prometheus{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_requests_total",
				Help:      "Total number of model calls",
			},
			[]string{"model", "vendor", "operation", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_request_duration_seconds",
				Help:      "Model call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model", "vendor", "operation"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_tokens_total",
				Help:      "Tokens reported by vendors",
			},
			[]string{"model", "vendor", "type"}, // type: prompt, completion
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_errors_total",
				Help:      "Failed model calls by error kind",
			},
			[]string{"model", "vendor", "kind"},
		),
		streamsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_streams_started_total",
				Help:      "Streams opened",
			},
			[]string{"model", "vendor", "operation"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_cache_lookups_total",
				Help:      "Response cache lookups",
			},
			[]string{"model", "result"},
		),
		healthy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_healthy",
				Help:      "1 when the last health probe of a model succeeded",
			},
			[]string{"model"},
		),
	}
}

// StreamStarted counts an opened stream.
func (p *Prometheus) StreamStarted(_ context.Context, c Call) {
	p.streamsStarted.WithLabelValues(c.ModelID, string(c.Vendor), string(c.Operation)).Inc()
}

// Record counts a finished call.
func (p *Prometheus) Record(_ context.Context, c Call) {
	vendor := string(c.Vendor)
	status := "success"
	if c.Err != nil {
		status = "error"
		p.errors.WithLabelValues(c.ModelID, vendor, string(c.ErrorKind())).Inc()
	}
	p.requests.WithLabelValues(c.ModelID, vendor, string(c.Operation), status).Inc()
	p.duration.WithLabelValues(c.ModelID, vendor, string(c.Operation)).Observe(c.Duration.Seconds())
	if c.Usage.PromptTokens > 0 {
		p.tokens.WithLabelValues(c.ModelID, vendor, "prompt").Add(float64(c.Usage.PromptTokens))
	}
	if c.Usage.CompletionTokens > 0 {
		p.tokens.WithLabelValues(c.ModelID, vendor, "completion").Add(float64(c.Usage.CompletionTokens))
	}
}

// RecordCacheLookup counts a hit or a miss.
func (p *Prometheus) RecordCacheLookup(modelID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(modelID, result).Inc()
}

// SetHealthy publishes a health probe result.
func (p *Prometheus) SetHealthy(modelID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	p.healthy.WithLabelValues(modelID).Set(v)
}
