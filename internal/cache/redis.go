package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"modelhub/internal/core"
)

// DefaultRedisPrefix namespaces response keys.
const DefaultRedisPrefix = "modelhub:resp:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix is prepended to every key (defaults to "modelhub:resp:")
	Prefix string
}

// RedisCache implements ResponseCache on Redis. Values are JSON encoded and
// expire through the Redis TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewRedisCacheWithClient(client, cfg.Prefix)
	slog.Info("redis response cache connected", "prefix", c.prefix)
	return c, nil
}

// NewRedisCacheWithClient wraps an existing client. The cache owns it and
// closes it on Close.
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get retrieves a response.
func (c *RedisCache) Get(ctx context.Context, key string) (*core.ModelResponse, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get response from redis: %w", err)
	}

	var resp core.ModelResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to parse cached response: %w", err)
	}
	return &resp, true, nil
}

// Set stores a response with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, resp *core.ModelResponse, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, effectiveTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to set response in redis: %w", err)
	}
	return nil
}

// Delete removes a response.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete response from redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
