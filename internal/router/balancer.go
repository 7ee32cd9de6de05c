package router

import (
	"sync/atomic"
)

// LoadBalancer picks among candidate clients. It returns nil when none is
// eligible.
type LoadBalancer interface {
	Select(clients []Client) Client
}

// RoundRobinBalancer cycles through available clients.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Select returns the next available client in turn.
func (b *RoundRobinBalancer) Select(clients []Client) Client {
	pool := make([]Client, 0, len(clients))
	for _, c := range clients {
		if available(c) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	n := b.counter.Add(1) - 1
	return pool[n%uint64(len(pool))]
}

// LeastLatencyBalancer prefers the available client with the lowest
// rolling probe latency. Ties go to the more reliable client. Without any
// health data it falls back to round robin.
type LeastLatencyBalancer struct {
	monitor  *HealthMonitor
	fallback RoundRobinBalancer
}

// NewLeastLatencyBalancer ranks clients by m's statistics.
func NewLeastLatencyBalancer(m *HealthMonitor) *LeastLatencyBalancer {
	return &LeastLatencyBalancer{monitor: m}
}

// Select implements LoadBalancer.
func (b *LeastLatencyBalancer) Select(clients []Client) Client {
	var (
		best      Client
		bestStats HealthStats
	)
	for _, c := range clients {
		if !available(c) {
			continue
		}
		st, ok := b.monitor.Status(c.Name())
		if !ok || st.Successes == 0 || !st.Healthy {
			continue
		}
		if best == nil || st.AvgLatency < bestStats.AvgLatency ||
			(st.AvgLatency == bestStats.AvgLatency && st.Reliability() > bestStats.Reliability()) {
			best, bestStats = c, st
		}
	}
	if best != nil {
		return best
	}
	return b.fallback.Select(clients)
}
