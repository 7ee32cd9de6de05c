// Package router chooses one of several model clients per call.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Strategy selects how Route picks a client.
type Strategy string

const (
	DefaultOnly             Strategy = "DEFAULT_ONLY"
	UserPreferred           Strategy = "USER_PREFERRED"
	CostOptimized           Strategy = "COST_OPTIMIZED"
	PerformanceOptimized    Strategy = "PERFORMANCE_OPTIMIZED"
	CostPerformanceBalanced Strategy = "COST_PERFORMANCE_BALANCED"
	AvailabilityOptimized   Strategy = "AVAILABILITY_OPTIMIZED"
	RoundRobin              Strategy = "ROUND_ROBIN"
)

// Strategies lists every strategy.
var Strategies = []Strategy{
	DefaultOnly, UserPreferred, CostOptimized, PerformanceOptimized,
	CostPerformanceBalanced, AvailabilityOptimized, RoundRobin,
}

// ParseStrategy accepts strategy names in any case.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(Strategies, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// Client names the heuristic strategies look for.
const (
	cheapVendor = "ollama"
	fastVendor  = "openai"
)

var (
	// ErrNoClients is returned when nothing is registered.
	ErrNoClients = errors.New("router: no clients registered")
	// ErrNoMatch is returned by USER_PREFERRED without fallback.
	ErrNoMatch = errors.New("router: no client matches the preference")
	// ErrUnknownClient is returned for a name that is not registered.
	ErrUnknownClient = errors.New("router: unknown client")
)

// RoutingContext carries the caller's preference.
type RoutingContext struct {
	PreferredVendor string
	PreferredModel  string
	FallbackEnabled bool
}

// Router holds clients in registration order. It is safe for concurrent use.
type Router struct {
	strategy Strategy
	balancer LoadBalancer
	coin     func() float64

	mu      sync.RWMutex
	clients []Client
	def     Client

	counter atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLoadBalancer consults lb when the strategy finds no client.
func WithLoadBalancer(lb LoadBalancer) Option {
	return func(r *Router) { r.balancer = lb }
}

// WithCoin replaces the random source of COST_PERFORMANCE_BALANCED.
func WithCoin(coin func() float64) Option {
	return func(r *Router) { r.coin = coin }
}

// New creates an empty router.
func New(strategy Strategy, opts ...Option) *Router {
	r := &Router{strategy: strategy, coin: rand.Float64}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the configured strategy.
func (r *Router) Strategy() Strategy { return r.strategy }

// AddClient registers c. The first client becomes the default; a client
// with the same name is replaced in place.
func (r *Router) AddClient(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(c.Name()); i >= 0 {
		if r.def == r.clients[i] {
			r.def = c
		}
		r.clients[i] = c
		return
	}
	r.clients = append(r.clients, c)
	if r.def == nil {
		r.def = c
	}
}

// RemoveClient unregisters and closes a client. Removing the default makes
// the next registered client the default.
func (r *Router) RemoveClient(name string) error {
	r.mu.Lock()
	i := r.index(name)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}
	c := r.clients[i]
	r.clients = slices.Delete(r.clients, i, i+1)
	if r.def == c {
		r.def = nil
		if len(r.clients) > 0 {
			r.def = r.clients[0]
		}
	}
	r.mu.Unlock()

	if err := c.Close(); err != nil {
		slog.Warn("failed to close removed client", "client", name, "error", err)
		return err
	}
	return nil
}

// SetDefault makes a registered client the default.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}
	r.def = r.clients[i]
	return nil
}

// Default returns the default client, or nil.
func (r *Router) Default() Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Clients returns the registered clients in registration order.
func (r *Router) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.clients)
}

// Client returns a registered client by name.
func (r *Router) Client(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.index(name); i >= 0 {
		return r.clients[i], true
	}
	return nil, false
}

func (r *Router) index(name string) int {
	return slices.IndexFunc(r.clients, func(c Client) bool { return c.Name() == name })
}

// Route picks a client. When the strategy yields nothing the load balancer
// is consulted, then the default client.
func (r *Router) Route(rc RoutingContext) (Client, error) {
	r.mu.RLock()
	clients, def := slices.Clone(r.clients), r.def
	r.mu.RUnlock()
	if len(clients) == 0 {
		return nil, ErrNoClients
	}

	var picked Client
	switch r.strategy {
	case DefaultOnly:
		return def, nil
	case UserPreferred:
		if picked = preferred(clients, rc); picked != nil {
			return picked, nil
		}
		if !rc.FallbackEnabled {
			return nil, ErrNoMatch
		}
	case CostOptimized:
		picked = firstAvailableNamed(clients, cheapVendor)
	case PerformanceOptimized:
		picked = firstAvailableNamed(clients, fastVendor)
	case CostPerformanceBalanced:
		if r.coin() < 0.5 {
			picked = firstAvailableNamed(clients, cheapVendor)
		} else {
			picked = firstAvailableNamed(clients, fastVendor)
		}
	case AvailabilityOptimized:
		picked = firstAvailable(clients)
	case RoundRobin:
		picked = r.roundRobin(clients)
	}

	if picked == nil && r.balancer != nil {
		picked = r.balancer.Select(clients)
	}
	if picked == nil {
		picked = def
	}
	return picked, nil
}

func (r *Router) roundRobin(clients []Client) Client {
	var pool []Client
	for _, c := range clients {
		if live(c) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	n := r.counter.Add(1) - 1
	return pool[n%uint64(len(pool))]
}

// preferred matches the vendor as a substring of the client name first,
// then the model against advertised models.
func preferred(clients []Client, rc RoutingContext) Client {
	if rc.PreferredVendor != "" {
		if c := firstAvailableNamed(clients, rc.PreferredVendor); c != nil {
			return c
		}
	}
	if rc.PreferredModel != "" {
		for _, c := range clients {
			if available(c) && slices.Contains(c.SupportedModels(), rc.PreferredModel) {
				return c
			}
		}
	}
	return nil
}

func firstAvailableNamed(clients []Client, fragment string) Client {
	fragment = strings.ToLower(fragment)
	for _, c := range clients {
		if available(c) && strings.Contains(strings.ToLower(c.Name()), fragment) {
			return c
		}
	}
	return nil
}

func firstAvailable(clients []Client) Client {
	for _, c := range clients {
		if available(c) {
			return c
		}
	}
	return nil
}
