// Package cache stores model responses for the cache decorator. The memory
// backend suits a single process; the Redis backend is shared by every
// gateway instance behind a load balancer.
package cache

import (
	"context"
	"time"

	"modelhub/internal/core"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = time.Hour

// ResponseCache maps a request fingerprint to a stored response.
// Implementations must be safe for concurrent use.
type ResponseCache interface {
	// Get returns the stored response; ok is false on a miss or expiry.
	Get(ctx context.Context, key string) (resp *core.ModelResponse, ok bool, err error)

	// Set stores resp for ttl.
	Set(ctx context.Context, key string, resp *core.ModelResponse, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
