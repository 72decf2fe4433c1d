package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type snapshot struct {
	TotalMarketCap float64 `json:"total_market_cap"`
	BTCDominance   float64 `json:"btc_dominance"`
}

func newRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client, "fp"), mr
}

func TestRedisCacheSetGetPrefixesKeys(t *testing.T) {
	rc, mr := newRedis(t)
	ctx := context.Background()

	in := snapshot{TotalMarketCap: 2.5e12, BTCDominance: 52.1}
	if err := rc.Set(ctx, "market:latest", in, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("fp:market:latest") {
		t.Fatalf("key not prefixed: %v", mr.Keys())
	}
	var out snapshot
	if err := rc.Get(ctx, "market:latest", &out); err != nil || out != in {
		t.Fatalf("get %+v err=%v", out, err)
	}
	if err := rc.Get(ctx, "missing", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("want miss, got %v", err)
	}
}

func TestRedisCacheDeleteByPattern(t *testing.T) {
	rc, mr := newRedis(t)
	ctx := context.Background()
	for _, k := range []string{"history:1", "history:7", "history:30", "market:latest"} {
		if err := rc.Set(ctx, k, "x", 0); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := rc.DeleteByPattern(ctx, BuildPattern("history:")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 || keys[0] != "fp:market:latest" {
		t.Fatalf("keys left %v", keys)
	}
}

func TestRedisLockOwnership(t *testing.T) {
	rc, mr := newRedis(t)
	other := NewRedisCacheFromClient(rc.Client(), "fp")
	ctx := context.Background()

	ok, err := rc.TryLock(ctx, "lock:refresh", time.Second)
	if err != nil || !ok {
		t.Fatalf("first lock ok=%v err=%v", ok, err)
	}
	if ok, _ := other.TryLock(ctx, "lock:refresh", time.Second); ok {
		t.Fatalf("second owner took a held lock")
	}
	if err := other.Unlock(ctx, "lock:refresh"); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("foreign unlock: %v", err)
	}

	// expire and let the other instance take over
	mr.FastForward(2 * time.Second)
	if ok, _ := other.TryLock(ctx, "lock:refresh", time.Second); !ok {
		t.Fatalf("expired lock not reacquired")
	}
	if err := rc.Unlock(ctx, "lock:refresh"); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("stale unlock: %v", err)
	}
	if !mr.Exists("fp:lock:refresh") {
		t.Fatalf("stale owner removed the new lock")
	}
	if err := other.Unlock(ctx, "lock:refresh"); err != nil {
		t.Fatalf("owner unlock: %v", err)
	}
}

func TestRedisLockExtend(t *testing.T) {
	rc, mr := newRedis(t)
	other := NewRedisCacheFromClient(rc.Client(), "fp")
	ctx := context.Background()

	if ok, err := rc.TryLock(ctx, "lock:refresh", 2*time.Second); !ok || err != nil {
		t.Fatalf("lock ok=%v err=%v", ok, err)
	}
	mr.FastForward(1500 * time.Millisecond)
	if err := rc.Extend(ctx, "lock:refresh", 2*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	mr.FastForward(1500 * time.Millisecond)
	if ok, _ := other.TryLock(ctx, "lock:refresh", time.Second); ok {
		t.Fatalf("extended lock was taken over")
	}
	if err := other.Extend(ctx, "lock:refresh", time.Minute); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("foreign extend: %v", err)
	}

	// let it lapse; a new owner must not be extended by the old one
	mr.FastForward(3 * time.Second)
	if ok, _ := other.TryLock(ctx, "lock:refresh", time.Second); !ok {
		t.Fatalf("expired lock not reacquired")
	}
	if err := rc.Extend(ctx, "lock:refresh", time.Minute); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("stale extend: %v", err)
	}
	if ttl := mr.TTL("fp:lock:refresh"); ttl > time.Second {
		t.Fatalf("stale owner changed ttl to %v", ttl)
	}
}

func TestMemoryLockExtend(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	now := time.Unix(1_700_000_000, 0)
	mc.now = func() time.Time { return now }
	ctx := context.Background()

	if err := mc.Extend(ctx, "lock:refresh", time.Minute); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("extend before lock: %v", err)
	}
	if ok, _ := mc.TryLock(ctx, "lock:refresh", time.Minute); !ok {
		t.Fatalf("lock not taken")
	}
	now = now.Add(50 * time.Second)
	if err := mc.Extend(ctx, "lock:refresh", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	now = now.Add(50 * time.Second)
	if ok, _ := mc.TryLock(ctx, "lock:refresh", time.Minute); ok {
		t.Fatalf("extended lock was taken again")
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	mc := NewMemoryCache(WithMemoryMaxSize(2))
	defer mc.Close()
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	mc.now = func() time.Time { return now }
	_ = mc.Set(ctx, "a", 1, time.Minute)
	now = now.Add(time.Second)
	_ = mc.Set(ctx, "b", 2, time.Minute)
	now = now.Add(time.Second)
	var v int
	_ = mc.Get(ctx, "a", &v)
	now = now.Add(time.Second)
	_ = mc.Set(ctx, "c", 3, time.Minute)

	if err := mc.Get(ctx, "b", &v); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("b should be evicted, got %v", err)
	}
	if err := mc.Get(ctx, "a", &v); err != nil || v != 1 {
		t.Fatalf("a=%d err=%v", v, err)
	}

	now = now.Add(2 * time.Minute)
	if err := mc.Get(ctx, "c", &v); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("c should be expired, got %v", err)
	}
}

func TestLayeredCacheServesLocalCopyAndInvalidates(t *testing.T) {
	rc, mr := newRedis(t)
	lc := NewLayeredCache(rc, WithLayeredMemoryTTL(time.Minute))
	defer lc.mem.Close()
	ctx := context.Background()

	if err := lc.Set(ctx, "history:7", []int{1, 2, 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.Del("fp:history:7")

	var out []int
	if err := lc.Get(ctx, "history:7", &out); err != nil || len(out) != 3 {
		t.Fatalf("local copy missing: %v %v", out, err)
	}

	if err := lc.DeleteByPattern(ctx, "history:*"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := lc.Get(ctx, "history:7", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("want miss after invalidation, got %v", err)
	}
}

func TestGenerateKeyWithParams(t *testing.T) {
	if got := GenerateKeyWithParams("history", 7, "utc"); got != "history:7:utc" {
		t.Fatalf("got %q", got)
	}
}
