package cache

import (
	"context"
	"time"
)

// LayeredCache keeps a short-lived in-process copy in front of Redis.
// Locks always go to Redis so they hold across replicas.
type LayeredCache struct {
	mem    *MemoryCache
	redis  *RedisCache
	memTTL time.Duration
}

func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		MemoryMaxSize: 1000,
		MemoryTTL:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		mem:    NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		redis:  redisCache,
		memTTL: cfg.MemoryTTL,
	}
}

func (lc *LayeredCache) memExpiry(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < lc.memTTL {
		return ttl
	}
	return lc.memTTL
}

// Set writes Redis first and only then the local copy.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.redis.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, value, lc.memExpiry(expiration))
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.mem.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.redis.Get(ctx, key, dest); err != nil {
		return err
	}

	// the local copy must never outlive the redis entry
	ttl, err := lc.redis.TTL(ctx, key)
	if err != nil {
		return nil
	}
	_ = lc.mem.Set(ctx, key, dest, lc.memExpiry(ttl))
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.redis.Delete(ctx, keys...)
}

func (lc *LayeredCache) DeleteByPattern(ctx context.Context, pattern string) error {
	if err := lc.mem.DeleteByPattern(ctx, pattern); err != nil {
		return err
	}
	return lc.redis.DeleteByPattern(ctx, pattern)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return lc.redis.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	return lc.redis.Unlock(ctx, key)
}

func (lc *LayeredCache) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return lc.redis.Extend(ctx, key, ttl)
}

// Close stops the local layer and closes the Redis client.
func (lc *LayeredCache) Close() error {
	_ = lc.mem.Close()
	return lc.redis.Close()
}
