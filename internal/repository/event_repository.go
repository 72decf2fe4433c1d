package repository

import (
	"context"
	"database/sql"
	"fmt"

	"FinPulse/internal/domain/models"
	domrepo "FinPulse/internal/domain/repository"
	pkgkafka "FinPulse/pkg/kafka"
)

// KafkaEventPublisher forwards crash and spike events to their topics.
type KafkaEventPublisher struct {
	producer   *pkgkafka.Producer
	crashTopic string
	spikeTopic string
}

func NewKafkaEventPublisher(producer *pkgkafka.Producer, crashTopic, spikeTopic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, crashTopic: crashTopic, spikeTopic: spikeTopic}
}

func (p *KafkaEventPublisher) PublishCrash(ctx context.Context, e models.CrashEvent) error {
	if p.crashTopic == "" {
		return nil
	}
	return p.producer.Publish(ctx, p.crashTopic, []byte(e.Asset), e.Payload())
}

func (p *KafkaEventPublisher) PublishSpike(ctx context.Context, s models.VolatilitySpike) error {
	if p.spikeTopic == "" {
		return nil
	}
	return p.producer.Publish(ctx, p.spikeTopic, []byte(s.Asset), s)
}

// CHEventStore persists crash events in ClickHouse.
type CHEventStore struct {
	db *sql.DB
}

func NewCHEventStore(db *sql.DB) *CHEventStore {
	return &CHEventStore{db: db}
}

func (s *CHEventStore) StoreCrash(ctx context.Context, e models.CrashEvent) error {
	q := fmt.Sprintf("INSERT INTO %s (ts, asset, magnitude_pct, current_price, peak_price, price_drop, buffer_size) VALUES (?, ?, ?, ?, ?, ?, ?)", TableCrashEvents)
	_, err := s.db.ExecContext(ctx, q,
		e.Timestamp.UTC(),
		string(e.Asset),
		e.MagnitudePct,
		e.CurrentPrice,
		e.PeakPrice,
		e.PriceDropAbs,
		uint32(e.BufferSize),
	)
	if err != nil {
		return fmt.Errorf("store crash: %w", err)
	}
	return nil
}

// RecentCrashes returns the newest crashes first. An empty asset means all assets.
func (s *CHEventStore) RecentCrashes(ctx context.Context, asset models.Asset, limit int) ([]models.CrashEvent, error) {
	q := fmt.Sprintf("SELECT ts, asset, magnitude_pct, current_price, peak_price, price_drop, buffer_size FROM %s", TableCrashEvents)
	args := []interface{}{}
	if asset != "" {
		q += " WHERE asset = ?"
		args = append(args, string(asset))
	}
	q += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent crashes: %w", err)
	}
	defer rows.Close()

	var out []models.CrashEvent
	for rows.Next() {
		var e models.CrashEvent
		var a string
		var size uint32
		if err := rows.Scan(&e.Timestamp, &a, &e.MagnitudePct, &e.CurrentPrice, &e.PeakPrice, &e.PriceDropAbs, &size); err != nil {
			return nil, fmt.Errorf("scan crash: %w", err)
		}
		e.Asset = models.Asset(a)
		e.BufferSize = int(size)
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)
	_ domrepo.EventStore     = (*CHEventStore)(nil)
)
