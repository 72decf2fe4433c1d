package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"
)

// memoryItem holds an encoded value with its expiry. Values are kept as JSON so
// Get can decode into any destination, the same way RedisCache does.
type memoryItem struct {
	data     []byte
	expireAt time.Time
}

func (m *memoryItem) expired(now time.Time) bool {
	return now.After(m.expireAt)
}

// MemoryCache implements Service in process with LRU eviction. Locks only hold
// within one process.
type MemoryCache struct {
	data          map[string]*memoryItem
	access        map[string]time.Time
	mutex         sync.Mutex
	maxSize       int
	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
	now           func() time.Time
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		CleanupInterval: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		data:          make(map[string]*memoryItem),
		access:        make(map[string]time.Time),
		maxSize:       cfg.MaxSize,
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
		done:          make(chan struct{}),
		now:           time.Now,
	}

	go mc.cleanupExpired()
	return mc
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case *string:
		return []byte(*v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(value)
	}
}

func decode(data []byte, dest interface{}) error {
	switch d := dest.(type) {
	case *string:
		*d = string(data)
		return nil
	case *[]byte:
		*d = append((*d)[:0], data...)
		return nil
	default:
		return json.Unmarshal(data, dest)
	}
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.setLocked(key, data, expiration)
	return nil
}

func (mc *MemoryCache) setLocked(key string, data []byte, expiration time.Duration) {
	if _, exists := mc.data[key]; !exists && len(mc.data) >= mc.maxSize {
		mc.evictLRU()
	}
	now := mc.now()
	if expiration <= 0 {
		expiration = 7 * 24 * time.Hour
	}
	mc.data[key] = &memoryItem{data: data, expireAt: now.Add(expiration)}
	mc.access[key] = now
}

// getLocked returns the live item for key, dropping it if expired.
func (mc *MemoryCache) getLocked(key string) (*memoryItem, bool) {
	item, exists := mc.data[key]
	if !exists {
		return nil, false
	}
	if item.expired(mc.now()) {
		delete(mc.data, key)
		delete(mc.access, key)
		return nil, false
	}
	return item, true
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mutex.Lock()
	item, ok := mc.getLocked(key)
	if ok {
		mc.access[key] = mc.now()
	}
	mc.mutex.Unlock()

	if !ok {
		observe("memory", ErrCacheMiss)
		return ErrCacheMiss
	}
	err := decode(item.data, dest)
	observe("memory", err)
	return err
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for _, key := range keys {
		delete(mc.data, key)
		delete(mc.access, key)
	}
	return nil
}

// DeleteByPattern removes keys matching a glob pattern ("history:*").
func (mc *MemoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for key := range mc.data {
		if ok, err := path.Match(pattern, key); err != nil {
			return err
		} else if ok {
			delete(mc.data, key)
			delete(mc.access, key)
		}
	}
	return nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if _, ok := mc.getLocked(key); ok {
		return false, nil
	}
	mc.setLocked(key, []byte("locked"), ttl)
	return true, nil
}

func (mc *MemoryCache) Unlock(ctx context.Context, key string) error {
	return mc.Delete(ctx, key)
}

func (mc *MemoryCache) Extend(_ context.Context, key string, ttl time.Duration) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	item, ok := mc.getLocked(key)
	if !ok {
		return ErrLockNotHeld
	}
	item.expireAt = mc.now().Add(ttl)
	return nil
}

func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, accessTime := range mc.access {
		if oldestKey == "" || accessTime.Before(oldestTime) {
			oldestTime = accessTime
			oldestKey = key
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		delete(mc.access, oldestKey)
	}
}

func (mc *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-mc.done:
			return
		case <-mc.cleanupTicker.C:
			mc.mutex.Lock()
			now := mc.now()
			for key, item := range mc.data {
				if item.expired(now) {
					delete(mc.data, key)
					delete(mc.access, key)
				}
			}
			mc.mutex.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() {
		mc.cleanupTicker.Stop()
		close(mc.done)
	})
	return nil
}
