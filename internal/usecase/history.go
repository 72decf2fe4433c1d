package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
	"FinPulse/pkg/cache"
	"FinPulse/pkg/logger"
	"FinPulse/pkg/util"
)

// HistoryService serves the snapshot log through a cache.
type HistoryService struct {
	store  drepo.SnapshotStore
	cache  cache.Service
	ttl    time.Duration
	logger *logger.Logger
	now    func() time.Time
}

func NewHistoryService(store drepo.SnapshotStore, c cache.Service, ttl time.Duration, lgr *logger.Logger) *HistoryService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &HistoryService{store: store, cache: c, ttl: ttl, logger: lgr, now: time.Now}
}

// History returns snapshots from the last days, oldest first.
func (h *HistoryService) History(ctx context.Context, days int) ([]models.MarketSnapshot, error) {
	if days < 1 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	key := cache.GenerateKeyWithParams(historyPrefix, days)

	var out []models.MarketSnapshot
	err := h.cache.Get(ctx, key, &out)
	switch {
	case err == nil:
		h.logger.Debug("history cache_hit", logger.String("key", key))
		return out, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		h.logger.Warn("history cache_get_error", logger.Error(err))
	}

	out, err = h.store.Since(ctx, util.DaysBack(h.now(), days))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if out == nil {
		out = []models.MarketSnapshot{}
	}
	if err := h.cache.Set(ctx, key, out, h.ttl); err != nil {
		h.logger.Warn("history cache_set_error", logger.Error(err))
	}
	return out, nil
}

// Count returns the number of stored snapshots.
func (h *HistoryService) Count(ctx context.Context) (int64, error) {
	return h.store.Count(ctx)
}
