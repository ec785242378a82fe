// Package cache adapts domain.TTLCache onto Redis, used by the quota gate
// (C9) so every bot-gateway replica shares one bucket-usage refresh per TTL
// window instead of each re-listing the whole bucket on its own.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cptnfren/teltubby/internal/domain"
)

// RedisCache implements domain.TTLCache.
type RedisCache struct {
	client *redis.Client
}

var _ domain.TTLCache = (*RedisCache)(nil)

// NewRedis adapts an existing client.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Once runs fn only if key is not already set, releasing the lock key on
// failure so a transient error doesn't suppress the next attempt for ttl.
func (c *RedisCache) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// Set stores value under key with the given ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the cached value, or (nil, false, nil) on a cache miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}
