package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lock TTL only while it still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCache implements Service on Redis. Keys are stored as prefix:key.
type RedisCache struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisCache dials Redis and pings it.
func NewRedisCache(opts ...RedisOption) (*RedisCache, error) {
	cfg := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 2,
		Prefix:       "finpulse",
		DialTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	return NewRedisCacheFromClient(client, cfg.Prefix), nil
}

// NewRedisCacheFromClient wraps an existing client, e.g. one shared with the job queue.
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "finpulse"
	}
	return &RedisCache{client: client, prefix: prefix, tokens: make(map[string]string)}
}

func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Prefix() string {
	return c.prefix
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.client.Set(ctx, c.wrapKey(key), data, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	err := c.get(ctx, key, dest)
	observe("redis", err)
	return err
}

func (c *RedisCache) get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.wrapKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return decode(data, dest)
}

// TTL returns the remaining lifetime of key, or 0 when it has none.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.PTTL(ctx, c.wrapKey(key)).Result()
	if err != nil || d < 0 {
		return 0, err
	}
	return d, nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Unlink(ctx, c.wrapKeys(keys...)...).Err()
}

// DeleteByPattern scans for keys matching pattern and unlinks them in batches.
func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, c.wrapKey(pattern), 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return c.client.Unlink(ctx, batch...).Err()
}

// TryLock takes key with SET NX and a random owner token.
func (c *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, err
	}
	ok, err := c.client.SetNX(ctx, c.wrapKey(key), token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	c.mu.Lock()
	c.tokens[key] = token
	c.mu.Unlock()
	return true, nil
}

// Unlock releases a lock taken by this instance. A lock that expired and was
// taken by someone else is left alone and ErrLockNotHeld is returned.
func (c *RedisCache) Unlock(ctx context.Context, key string) error {
	c.mu.Lock()
	token, ok := c.tokens[key]
	delete(c.tokens, key)
	c.mu.Unlock()
	if !ok {
		return ErrLockNotHeld
	}

	n, err := unlockScript.Run(ctx, c.client, []string{c.wrapKey(key)}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend pushes the expiry of a lock held by this instance to ttl from now.
func (c *RedisCache) Extend(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	token, ok := c.tokens[key]
	c.mu.Unlock()
	if !ok {
		return ErrLockNotHeld
	}

	n, err := extendScript.Run(ctx, c.client, []string{c.wrapKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		c.mu.Lock()
		if c.tokens[key] == token {
			delete(c.tokens, key)
		}
		c.mu.Unlock()
		return ErrLockNotHeld
	}
	return nil
}

func (c *RedisCache) wrapKey(key string) string {
	return c.prefix + ":" + key
}

func (c *RedisCache) wrapKeys(keys ...string) []string {
	wrapped := make([]string, len(keys))
	for i, key := range keys {
		wrapped[i] = c.wrapKey(key)
	}
	return wrapped
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
