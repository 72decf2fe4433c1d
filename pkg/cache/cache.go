package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
	// ErrLockNotHeld is returned by Unlock and Extend when the lock expired or belongs to another owner.
	ErrLockNotHeld = errors.New("cache: lock not held")
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "finpulse",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Cache lookups by layer and result.",
}, []string{"layer", "result"})

// Service is the cache surface used by the market refresher and the history service.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	// Extend renews a held lock, returning ErrLockNotHeld once it is lost.
	Extend(ctx context.Context, key string, ttl time.Duration) error
}

// GenerateKeyWithParams joins prefix and params with ':'.
func GenerateKeyWithParams(prefix string, params ...interface{}) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range params {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// BuildPattern returns a glob matching every key under prefix.
func BuildPattern(prefix string) string {
	return prefix + "*"
}

func observe(layer string, err error) {
	switch {
	case err == nil:
		lookups.WithLabelValues(layer, "hit").Inc()
	case errors.Is(err, ErrCacheMiss):
		lookups.WithLabelValues(layer, "miss").Inc()
	default:
		lookups.WithLabelValues(layer, "error").Inc()
	}
}
