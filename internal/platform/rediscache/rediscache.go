// Package rediscache implements the cache.Cache interface on top of Redis.
package rediscache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chalford/parchment-api/internal/cache"
)

// RedisCache is a cache.Cache backed by a Redis instance. Any backend error
// degrades to a miss: the callers' correctness never depends on Redis being
// up, only their latency and their model-call bill.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a RedisCache around an already-constructed client. The client's
// lifecycle (connect/close) belongs to the process entry point.
func New(client *redis.Client, logger *slog.Logger) *RedisCache {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisCache{
		client: client,
		logger: logger.With(slog.String("component", "redis_cache")),
	}
}

// Ensure RedisCache implements cache.Cache
var _ cache.Cache = (*RedisCache)(nil)

// Get returns the value stored under key, or cache.ErrMiss. Backend errors
// are logged and reported as misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed, treating as miss",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
		return nil, cache.ErrMiss
	}
	return val, nil
}

// Set stores value under key with the given TTL. Errors are logged and
// swallowed; a failed write just means the next Get recomputes.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Delete removes keys, best effort.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache delete failed",
			slog.Int("key_count", len(keys)),
			slog.String("error", err.Error()))
	}
}

// Ping reports whether the Redis backend is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
