package ratelimit

import (
	"sync"
	"time"
)

// sweepInterval bounds how often Allow scans for idle buckets.
const sweepInterval = time.Minute

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a keyed token bucket for cheap non-blocking admission checks,
// e.g. per-client throttling of manual refresh requests. Buckets that have
// refilled to capacity are dropped, since a fresh bucket behaves the same.
type Limiter struct {
	mu         sync.Mutex
	m          map[string]*bucket
	capacity   float64
	refillRate float64 // tokens per second
	now        func() time.Time
	lastSweep  time.Time
}

func New(capacity, refillPerSec float64) *Limiter {
	return &Limiter{
		m:          make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillPerSec,
		now:        time.Now,
	}
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.m[key] = b
	}
	// refill
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = l.level(b, now)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// level is the token count b would hold at now.
func (l *Limiter) level(b *bucket, now time.Time) float64 {
	tokens := b.tokens
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		tokens += elapsed * l.refillRate
	}
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return tokens
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for key, b := range l.m {
		if l.level(b, now) >= l.capacity {
			delete(l.m, key)
		}
	}
}
