package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"modelhub/internal/core"
)

// Health probe defaults.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 10 * time.Second
	DefaultHistorySize   = 20
	probePrompt          = "ping"
)

// Probe is the result of one health check.
type Probe struct {
	At      time.Time     `json:"at"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// OK reports whether the probe succeeded.
func (p Probe) OK() bool { return p.Error == "" }

// HealthStats summarises a client's probes.
type HealthStats struct {
	Name        string        `json:"name"`
	Healthy     bool          `json:"healthy"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	LastChecked time.Time     `json:"last_checked"`
	LastError   string        `json:"last_error,omitempty"`
}

// Reliability is the share of successful probes, 0 without data.
func (s HealthStats) Reliability() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}

type clientHealth struct {
	stats   HealthStats
	history []Probe
	cancel  context.CancelFunc
	done    chan struct{}
}

// HealthMonitor probes clients periodically and keeps a bounded history
// per client. It is safe for concurrent use.
type HealthMonitor struct {
	interval    time.Duration
	timeout     time.Duration
	historySize int
	observer    func(name string, healthy bool)
	now         func() time.Time

	mu      sync.RWMutex
	clients map[string]*clientHealth
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithProbeInterval sets the time between probes. Non-positive values
// keep the default.
func WithProbeInterval(d time.Duration) HealthOption {
	return func(m *HealthMonitor) { m.interval = d }
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) HealthOption {
	return func(m *HealthMonitor) { m.timeout = d }
}

// WithHistorySize bounds the probes kept per client.
func WithHistorySize(n int) HealthOption {
	return func(m *HealthMonitor) { m.historySize = n }
}

// WithObserver is called after every probe, e.g. to publish a gauge.
func WithObserver(fn func(name string, healthy bool)) HealthOption {
	return func(m *HealthMonitor) { m.observer = fn }
}

// NewHealthMonitor creates a monitor with no clients.
func NewHealthMonitor(opts ...HealthOption) *HealthMonitor {
	m := &HealthMonitor{
		interval:    DefaultProbeInterval,
		timeout:     DefaultProbeTimeout,
		historySize: DefaultHistorySize,
		now:         time.Now,
		clients:     make(map[string]*clientHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultProbeInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultProbeTimeout
	}
	if m.historySize <= 0 {
		m.historySize = DefaultHistorySize
	}
	return m
}

// Start probes c immediately and then every interval until Stop or ctx
// ends. Starting an already monitored client replaces its loop.
func (m *HealthMonitor) Start(ctx context.Context, c Client) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	h := m.entry(c.Name())
	prevCancel, prevDone := h.cancel, h.done
	h.cancel, h.done = cancel, done
	m.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for ctx.Err() == nil {
			m.Check(ctx, c)
			select {
			case <-ticker.C:
			case <-ctx.Done():
			}
		}
	}()
	slog.Debug("health monitor started", "client", c.Name(), "interval", m.interval)
}

// Stop ends the probe loop of a client and waits for it to exit. The
// collected statistics are kept.
func (m *HealthMonitor) Stop(name string) {
	m.mu.Lock()
	h, ok := m.clients[name]
	var cancel context.CancelFunc
	var done chan struct{}
	if ok {
		cancel, done = h.cancel, h.done
		h.cancel, h.done = nil, nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// StopAll ends every probe loop.
func (m *HealthMonitor) StopAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		m.Stop(name)
	}
}

// Check runs one probe against c and records it. The probe is a short
// generation that bypasses any response cache.
func (m *HealthMonitor) Check(ctx context.Context, c Client) Probe {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	_, err := c.Generate(ctx, probePrompt, core.Params{"max_tokens": 10, "use_cache": false})
	p := Probe{At: start, Latency: m.now().Sub(start)}
	if err != nil {
		p.Error = err.Error()
	}
	m.record(c.Name(), p)
	return p
}

func (m *HealthMonitor) entry(name string) *clientHealth {
	h, ok := m.clients[name]
	if !ok {
		h = &clientHealth{stats: HealthStats{Name: name}}
		m.clients[name] = h
	}
	return h
}

func (m *HealthMonitor) record(name string, p Probe) {
	m.mu.Lock()
	h := m.entry(name)
	h.history = append(h.history, p)
	if over := len(h.history) - m.historySize; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}

	st := &h.stats
	st.LastChecked = p.At
	st.Healthy = p.OK()
	if p.OK() {
		st.Successes++
		st.LastError = ""
	} else {
		st.Failures++
		st.LastError = p.Error
	}
	var sum time.Duration
	n := 0
	for _, q := range h.history {
		if q.OK() {
			sum += q.Latency
			n++
		}
	}
	if n > 0 {
		st.AvgLatency = sum / time.Duration(n)
	}
	healthy := st.Healthy
	m.mu.Unlock()

	if !healthy {
		slog.Warn("health probe failed", "client", name, "error", p.Error)
	}
	if m.observer != nil {
		m.observer(name, healthy)
	}
}

// Status returns the statistics of a client.
func (m *HealthMonitor) Status(name string) (HealthStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.clients[name]
	if !ok {
		return HealthStats{}, false
	}
	return h.stats, true
}

// History returns the retained probes of a client, oldest first.
func (m *HealthMonitor) History(name string) []Probe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.clients[name]
	if !ok {
		return nil
	}
	return append([]Probe(nil), h.history...)
}

// Forget drops a client's loop and statistics.
func (m *HealthMonitor) Forget(name string) {
	m.Stop(name)
	m.mu.Lock()
	delete(m.clients, name)
	m.mu.Unlock()
}
