package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
	"FinPulse/internal/service/cmc"
	"FinPulse/pkg/cache"
	"FinPulse/pkg/logger"
)

// ErrRefreshInProgress is returned when another refresh holds the lock.
var ErrRefreshInProgress = errors.New("market refresh already running")

// ErrNoSnapshot means no refresh has succeeded yet.
var ErrNoSnapshot = errors.New("no market snapshot yet")

// ErrRefreshLockLost means the lock expired or was taken over mid refresh and
// the refresh was abandoned.
var ErrRefreshLockLost = errors.New("market refresh lock lost")

// lockMargin covers cache writes and scheduling on top of the upstream fetches.
const lockMargin = 30 * time.Second

// Cache keys shared by the refresher and readers.
const (
	KeyLatestSnapshot = "market:latest"
	KeyQuotes         = "market:quotes"
	keyRefreshLock    = "lock:market_refresh"
	historyPrefix     = "history"
)

// MarketSource is the upstream market data API.
type MarketSource interface {
	FetchGlobalMetrics(ctx context.Context) (*cmc.GlobalMetrics, error)
	FetchQuotes(ctx context.Context, symbols ...string) (map[string]cmc.Quote, error)
}

// RefresherConfig tunes MarketRefresher.
type RefresherConfig struct {
	Interval    time.Duration // 0 disables the periodic loop
	LockTTL     time.Duration
	CacheTTL    time.Duration
	Symbols     []string      // quotes to fetch alongside the snapshot
	FetchBudget time.Duration // worst case of one upstream fetch, 0 when unknown
}

// MinLockTTL is the shortest lock that outlives a refresh in which every
// upstream fetch uses its whole budget.
func (c RefresherConfig) MinLockTTL() time.Duration {
	if c.FetchBudget <= 0 {
		return 0
	}
	fetches := time.Duration(1)
	if len(c.Symbols) > 0 {
		fetches = 2
	}
	return fetches*c.FetchBudget + lockMargin
}

// MarketRefresher pulls global metrics, appends a snapshot and refreshes the caches.
type MarketRefresher struct {
	source  MarketSource
	store   drepo.SnapshotStore
	cache   cache.Service
	metrics drepo.Metrics
	logger  *logger.Logger
	cfg     RefresherConfig
	now     func() time.Time

	mu   sync.RWMutex
	last *models.RefreshReport
}

func NewMarketRefresher(
	source MarketSource,
	store drepo.SnapshotStore,
	c cache.Service,
	metrics drepo.Metrics,
	lgr *logger.Logger,
	cfg RefresherConfig,
) *MarketRefresher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	if floor := cfg.MinLockTTL(); cfg.LockTTL < floor {
		lgr.Warn("refresh lock ttl below fetch budget, raising it",
			logger.Duration("configured", cfg.LockTTL),
			logger.Duration("min", floor))
		cfg.LockTTL = floor
	}
	return &MarketRefresher{
		source:  source,
		store:   store,
		cache:   c,
		metrics: metrics,
		logger:  lgr,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Refresh runs one refresh under the distributed lock. The returned report is
// also kept for health checks unless the lock was busy.
func (r *MarketRefresher) Refresh(ctx context.Context) (models.RefreshReport, error) {
	ok, err := r.cache.TryLock(ctx, keyRefreshLock, r.cfg.LockTTL)
	if err != nil {
		return models.RefreshReport{}, fmt.Errorf("refresh lock: %w", err)
	}
	if !ok {
		return models.RefreshReport{}, ErrRefreshInProgress
	}
	defer func() {
		// unlock even if the caller's ctx is already done
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cache.Unlock(uctx, keyRefreshLock); err != nil && !errors.Is(err, cache.ErrLockNotHeld) {
			r.logger.Warn("refresh unlock failed", logger.Error(err))
		}
	}()

	rctx, cancel := context.WithCancelCause(ctx)
	stopRenew := r.renewLock(rctx, cancel)
	start := time.Now()
	report, err := r.refresh(rctx)
	stopRenew()
	if cause := context.Cause(rctx); errors.Is(cause, ErrRefreshLockLost) && ctx.Err() == nil {
		err = cause
		report.Error = err.Error()
	}
	cancel(nil)
	r.metrics.RecordLatency("market_refresh", time.Since(start).Seconds())
	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()

	if err != nil {
		r.metrics.RecordError("market_refresh")
		r.logger.Error("market refresh failed",
			logger.String("status", string(report.Status)),
			logger.Error(err))
		return report, err
	}
	r.logger.Info("market refresh ok",
		logger.Float64("total_market_cap", report.Snapshot.TotalMarketCap),
		logger.Float64("btc_dominance", report.Snapshot.BTCDominance))
	return report, nil
}

// renewLock extends the refresh lock every third of its TTL until the returned
// stop func is called. Losing the lock cancels ctx with ErrRefreshLockLost.
func (r *MarketRefresher) renewLock(ctx context.Context, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := r.cache.Extend(ctx, keyRefreshLock, r.cfg.LockTTL)
			switch {
			case err == nil:
			case errors.Is(err, cache.ErrLockNotHeld):
				r.logger.Error("refresh lock lost, abandoning refresh")
				cancel(ErrRefreshLockLost)
				return
			default:
				// transient, the current TTL still covers the next tick
				r.logger.Warn("refresh lock renew failed", logger.Error(err))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *MarketRefresher) refresh(ctx context.Context) (models.RefreshReport, error) {
	now := r.now().UTC()
	report := models.RefreshReport{StartedAt: now}
	finish := func(status models.SourceStatus, err error) (models.RefreshReport, error) {
		report.Status = status
		report.FinishedAt = r.now().UTC()
		if err != nil {
			report.Error = err.Error()
		}
		return report, err
	}

	gm, err := r.source.FetchGlobalMetrics(ctx)
	if err != nil {
		return finish(statusFor(err), fmt.Errorf("global metrics: %w", err))
	}
	snap := gm.Snapshot(now)
	if err := r.store.Append(ctx, snap); err != nil {
		return finish(models.StatusDegraded, fmt.Errorf("append snapshot: %w", err))
	}
	report.Snapshot = &snap

	if err := r.cache.Set(ctx, KeyLatestSnapshot, snap, r.cfg.CacheTTL); err != nil {
		r.logger.Warn("cache latest snapshot", logger.Error(err))
	}
	if err := r.cache.DeleteByPattern(ctx, cache.BuildPattern(historyPrefix+":")); err != nil {
		r.logger.Warn("invalidate history cache", logger.Error(err))
	}

	if len(r.cfg.Symbols) > 0 {
		quotes, err := r.source.FetchQuotes(ctx, r.cfg.Symbols...)
		if err != nil {
			// snapshot is already stored; quotes are best effort
			return finish(models.StatusDegraded, fmt.Errorf("quotes: %w", err))
		}
		if err := r.cache.Set(ctx, KeyQuotes, quotes, r.cfg.CacheTTL); err != nil {
			r.logger.Warn("cache quotes", logger.Error(err))
		}
	}
	return finish(models.StatusOperational, nil)
}

func statusFor(err error) models.SourceStatus {
	if cmc.IsUnavailable(err) {
		return models.StatusOffline
	}
	return models.StatusDegraded
}

// Report returns the last refresh outcome.
func (r *MarketRefresher) Report() (models.RefreshReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return models.RefreshReport{}, false
	}
	return *r.last, true
}

// Latest returns the cached snapshot, falling back to the last report.
func (r *MarketRefresher) Latest(ctx context.Context) (models.MarketSnapshot, error) {
	var snap models.MarketSnapshot
	err := r.cache.Get(ctx, KeyLatestSnapshot, &snap)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		r.logger.Warn("read latest snapshot", logger.Error(err))
	}
	if rep, ok := r.Report(); ok && rep.Snapshot != nil {
		return *rep.Snapshot, nil
	}
	return models.MarketSnapshot{}, ErrNoSnapshot
}

// Quotes returns the cached quotes from the last refresh.
func (r *MarketRefresher) Quotes(ctx context.Context) (map[string]cmc.Quote, error) {
	var q map[string]cmc.Quote
	if err := r.cache.Get(ctx, KeyQuotes, &q); err != nil {
		return nil, err
	}
	return q, nil
}

// RunPeriodic refreshes right away and then every Interval until ctx ends.
func (r *MarketRefresher) RunPeriodic(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := r.Refresh(ctx); errors.Is(err, ErrRefreshInProgress) {
			r.logger.Debug("periodic refresh skipped, lock busy")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
