package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FinPulse/internal/domain/models"
	"FinPulse/internal/service/cmc"
	"FinPulse/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newRedisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	client, mr := newRedis(t)
	return cache.NewRedisCacheFromClient(client, "test"), mr
}

type memSnapshots struct {
	mu         sync.Mutex
	rows       []models.MarketSnapshot
	sinceCalls int
	err        error
}

func (m *memSnapshots) Append(_ context.Context, s models.MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, s)
	return nil
}

func (m *memSnapshots) Since(_ context.Context, from time.Time) ([]models.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinceCalls++
	var out []models.MarketSnapshot
	for _, r := range m.rows {
		if !r.Timestamp.Before(from) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSnapshots) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}

func (m *memSnapshots) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sinceCalls
}

type fakeSource struct {
	mu     sync.Mutex
	cap    float64
	err    error
	qerr   error
	calls  int
	quotes map[string]cmc.Quote
	hold   func(ctx context.Context) error // runs before global metrics are served
}

func (f *fakeSource) FetchGlobalMetrics(ctx context.Context) (*cmc.GlobalMetrics, error) {
	if f.hold != nil {
		if err := f.hold(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	gm := &cmc.GlobalMetrics{BTCDominance: 52.5}
	gm.Quote.USD.TotalMarketCap = f.cap
	gm.Quote.USD.TotalVolume24h = 9e10
	gm.Quote.USD.TotalMarketCapYesterdayPercentageChange = -1.25
	return gm, nil
}

func (f *fakeSource) FetchQuotes(_ context.Context, symbols ...string) (map[string]cmc.Quote, error) {
	if f.qerr != nil {
		return nil, f.qerr
	}
	out := make(map[string]cmc.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

type memTicks struct {
	mu    sync.Mutex
	ticks []models.Tick
	err   error
}

func (m *memTicks) Init(context.Context) error { return nil }

func (m *memTicks) Store(_ context.Context, t models.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ticks = append(m.ticks, t)
	return nil
}

func (m *memTicks) StoreBatch(ctx context.Context, ticks []models.Tick) error {
	for _, t := range ticks {
		if err := m.Store(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *memTicks) Query(context.Context, models.Asset, time.Time, time.Time, int) ([]models.Tick, error) {
	return nil, errors.New("not implemented")
}

func (m *memTicks) Health(context.Context) error { return nil }

func (m *memTicks) Close() error { return nil }

func (m *memTicks) all() []models.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Tick(nil), m.ticks...)
}

type memPublisher struct {
	published []models.Tick
	closed    bool
}

func (p *memPublisher) Publish(_ context.Context, t models.Tick) error {
	p.published = append(p.published, t)
	return nil
}

func (p *memPublisher) PublishBatch(_ context.Context, ticks []models.Tick) error {
	p.published = append(p.published, ticks...)
	return nil
}

func (p *memPublisher) Close() error {
	p.closed = true
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
