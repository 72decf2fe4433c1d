package usecase

import (
	"context"
	"fmt"
	"time"

	"FinPulse/internal/domain/models"
	domrepo "FinPulse/internal/domain/repository"
)

// TicksQuery reads persisted ticks and crash events back out of storage.
type TicksQuery struct {
	store  domrepo.Storage
	events domrepo.EventStore
	now    func() time.Time
}

func NewTicksQuery(store domrepo.Storage, events domrepo.EventStore) *TicksQuery {
	return &TicksQuery{store: store, events: events, now: time.Now}
}

type GetTicksParams struct {
	Asset  models.Asset
	Window time.Duration
	Limit  int
}

type GetTicksResult struct {
	Asset models.Asset         `json:"asset"`
	From  time.Time            `json:"from"`
	To    time.Time            `json:"to"`
	Count int                  `json:"count"`
	Ticks []models.PriceUpdate `json:"ticks"`
}

// GetTicks returns the newest stored ticks of asset within the window.
func (q *TicksQuery) GetTicks(ctx context.Context, p GetTicksParams) (*GetTicksResult, error) {
	if !p.Asset.Valid() {
		return nil, fmt.Errorf("asset %q not tracked", p.Asset)
	}
	if p.Window <= 0 {
		p.Window = time.Hour
	}
	if p.Limit <= 0 {
		p.Limit = 1000
	}
	if p.Limit > 50000 {
		p.Limit = 50000
	}

	to := q.now().UTC()
	from := to.Add(-p.Window)
	ticks, err := q.store.Query(ctx, p.Asset, from, to, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("get ticks: %w", err)
	}

	out := make([]models.PriceUpdate, len(ticks))
	for i, t := range ticks {
		out[i] = models.NewPriceUpdate(t)
	}
	return &GetTicksResult{
		Asset: p.Asset,
		From:  from,
		To:    to,
		Count: len(out),
		Ticks: out,
	}, nil
}

// Crashes returns persisted crash events, newest first. Empty asset means all.
func (q *TicksQuery) Crashes(ctx context.Context, asset models.Asset, limit int) ([]models.CrashPayload, error) {
	if limit <= 0 {
		limit = 50
	}
	evs, err := q.events.RecentCrashes(ctx, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("get crashes: %w", err)
	}
	out := make([]models.CrashPayload, len(evs))
	for i, e := range evs {
		out[i] = e.Payload()
	}
	return out, nil
}
