package repository

import (
	"context"
	"time"

	"FinPulse/internal/domain/models"
)

// TickStream is the live trade feed. Run blocks until ctx is cancelled and
// reconnects on its own.
type TickStream interface {
	Run(ctx context.Context, sink chan<- models.Tick) error
	State() models.StreamState
}

type Publisher interface {
	Publish(ctx context.Context, t models.Tick) error
	PublishBatch(ctx context.Context, ticks []models.Tick) error
	Close() error
}

// EventPublisher forwards detected events to downstream consumers.
type EventPublisher interface {
	PublishCrash(ctx context.Context, e models.CrashEvent) error
	PublishSpike(ctx context.Context, s models.VolatilitySpike) error
}

type Storage interface {
	Init(ctx context.Context) error // ensure tables, health checks
	Store(ctx context.Context, t models.Tick) error
	StoreBatch(ctx context.Context, ticks []models.Tick) error
	Query(ctx context.Context, asset models.Asset, from, to time.Time, limit int) ([]models.Tick, error)
	Health(ctx context.Context) error // ping
	Close() error
}

// EventStore persists crash events.
type EventStore interface {
	StoreCrash(ctx context.Context, e models.CrashEvent) error
	RecentCrashes(ctx context.Context, asset models.Asset, limit int) ([]models.CrashEvent, error)
}

// SnapshotStore is the append-only market history log.
type SnapshotStore interface {
	Append(ctx context.Context, s models.MarketSnapshot) error
	Since(ctx context.Context, from time.Time) ([]models.MarketSnapshot, error)
	Count(ctx context.Context) (int64, error)
}

// RawResponseSink archives raw upstream bodies.
type RawResponseSink interface {
	SaveRaw(ctx context.Context, r models.RawResponse) error
}

type Metrics interface {
	RecordMessageSent(backend, symbol string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordCrash(asset string)
	RecordStreamState(state string)
	RecordFetchAttempt(endpoint, outcome string)
	RecordDropped(class string)
}
