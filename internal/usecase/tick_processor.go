package usecase

import (
	"context"
	"fmt"
	"time"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
)

// Backends a TickProcessor can route to.
const (
	BackendKafka      = "kafka"
	BackendClickHouse = "clickhouse"
)

// TickProcessor routes ticks to the configured backend.
type TickProcessor struct {
	pub     drepo.Publisher
	store   drepo.Storage
	metrics drepo.Metrics
	backend string
}

// NewTickProcessor creates a new TickProcessor instance.
func NewTickProcessor(pub drepo.Publisher, store drepo.Storage, metrics drepo.Metrics, backend string) *TickProcessor {
	return &TickProcessor{
		pub:     pub,
		store:   store,
		metrics: metrics,
		backend: backend,
	}
}

// Process routes a single tick to the configured backend.
func (p *TickProcessor) Process(ctx context.Context, t models.Tick) error {
	start := time.Now()
	var err error

	switch p.backend {
	case BackendKafka:
		err = p.pub.Publish(ctx, t)
	case BackendClickHouse:
		err = p.store.Store(ctx, t)
	default:
		err = fmt.Errorf("unknown backend: %s", p.backend)
	}

	if err != nil {
		p.metrics.RecordError("process")
		return fmt.Errorf("process tick: %w", err)
	}

	p.metrics.RecordMessageSent(p.backend, t.Asset.Symbol())
	p.metrics.RecordLatency("process", time.Since(start).Seconds())
	return nil
}

// ProcessBatch routes several ticks in one call.
func (p *TickProcessor) ProcessBatch(ctx context.Context, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	start := time.Now()
	var err error

	switch p.backend {
	case BackendKafka:
		err = p.pub.PublishBatch(ctx, ticks)
	case BackendClickHouse:
		err = p.store.StoreBatch(ctx, ticks)
	default:
		err = fmt.Errorf("unknown backend: %s", p.backend)
	}

	if err != nil {
		p.metrics.RecordError("process_batch")
		return fmt.Errorf("process batch: %w", err)
	}

	for _, t := range ticks {
		p.metrics.RecordMessageSent(p.backend, t.Asset.Symbol())
	}
	p.metrics.RecordLatency("process_batch", time.Since(start).Seconds())
	return nil
}

// Close closes underlying resources if available.
func (p *TickProcessor) Close() {
	if p.pub != nil {
		_ = p.pub.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}
