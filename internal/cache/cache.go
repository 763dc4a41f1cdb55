// Package cache provides a tenant-isolating cache abstraction over Redis,
// with a no-op fallback when Redis isn't configured.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the minimal cache surface the orchestrator's read paths need:
// quota snapshots, agent output memoization, and webhook delivery-log
// dedup windows.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	InvalidatePattern(ctx context.Context, pattern string) error
}

// ErrCacheMiss is returned by Get when the key is absent, distinct from
// a connectivity error so callers can fall through to the source of
// truth without logging noise.
var ErrCacheMiss = redis.Nil

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	URL        string
	DefaultTTL time.Duration
}

// RedisCache is a thin Cache implementation over go-redis.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewRedisCache parses cfg.URL and opens a client. It does not ping —
// callers decide whether a failed first call should downgrade to NoOpCache.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts), defaultTTL: cfg.DefaultTTL}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.client.Get(ctx, key).Bytes()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// InvalidatePattern scans (never KEYS, to avoid blocking Redis on a large
// keyspace) and deletes every key matching pattern.
func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// NoOpCache satisfies Cache without ever retaining anything, used when
// Redis is unavailable so cache-dependent code paths degrade gracefully
// instead of failing closed.
type NoOpCache struct{}

func NewNoOpCache() *NoOpCache { return &NoOpCache{} }

func (NoOpCache) Get(ctx context.Context, key string) ([]byte, error) { return nil, ErrCacheMiss }
func (NoOpCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (NoOpCache) Delete(ctx context.Context, key string) error             { return nil }
func (NoOpCache) InvalidatePattern(ctx context.Context, pattern string) error { return nil }
