package cache

import "time"

// RedisOption configures RedisCache.
type RedisOption func(*RedisConfig)

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	PoolTimeout  time.Duration
	MinIdleConns int
	Prefix       string
	DialTimeout  time.Duration
}

func WithRedisHost(host string) RedisOption {
	return func(c *RedisConfig) {
		if host != "" {
			c.Host = host
		}
	}
}

func WithRedisPort(port int) RedisOption {
	return func(c *RedisConfig) {
		if port > 0 {
			c.Port = port
		}
	}
}

func WithRedisPassword(password string) RedisOption {
	return func(c *RedisConfig) { c.Password = password }
}

func WithRedisDB(db int) RedisOption {
	return func(c *RedisConfig) { c.DB = db }
}

// WithRedisPool sets pool size, idle floor and how long a caller waits for a connection.
func WithRedisPool(poolSize, minIdleConns int, timeout time.Duration) RedisOption {
	return func(c *RedisConfig) {
		if poolSize > 0 {
			c.PoolSize = poolSize
		}
		c.MinIdleConns = minIdleConns
		if timeout > 0 {
			c.PoolTimeout = timeout
		}
	}
}

// WithRedisPrefix namespaces every key, e.g. "finpulse" gives "finpulse:history:7".
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) {
		if prefix != "" {
			c.Prefix = prefix
		}
	}
}

// MemoryOption configures MemoryCache.
type MemoryOption func(*MemoryConfig)

type MemoryConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
}

func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) {
		if size > 0 {
			c.MaxSize = size
		}
	}
}

func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		if interval > 0 {
			c.CleanupInterval = interval
		}
	}
}

// LayeredOption configures LayeredCache.
type LayeredOption func(*LayeredConfig)

type LayeredConfig struct {
	MemoryMaxSize int
	MemoryTTL     time.Duration
}

func WithLayeredMemorySize(size int) LayeredOption {
	return func(c *LayeredConfig) {
		if size > 0 {
			c.MemoryMaxSize = size
		}
	}
}

// WithLayeredMemoryTTL caps how long a value lives in the in-process layer.
func WithLayeredMemoryTTL(ttl time.Duration) LayeredOption {
	return func(c *LayeredConfig) {
		if ttl > 0 {
			c.MemoryTTL = ttl
		}
	}
}
