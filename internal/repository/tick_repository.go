package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"FinPulse/internal/domain/models"
	"FinPulse/internal/domain/repository"
	pkgkafka "FinPulse/pkg/kafka"
)

const tickSource = "binance"

// ClickHouseStorage implements Storage for ClickHouse.
type ClickHouseStorage struct {
	db    *sql.DB
	table string
}

// NewClickHouseStorage creates ClickHouse storage.
func NewClickHouseStorage(db *sql.DB, table string) *ClickHouseStorage {
	if table == "" {
		table = TableTicks
	}
	return &ClickHouseStorage{db: db, table: table}
}

func (s *ClickHouseStorage) Init(ctx context.Context) error {
	for _, stmt := range SchemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// eventID makes replays of the same trade collapse in ReplacingMergeTree.
func eventID(t models.Tick) string {
	return fmt.Sprintf("%s-%d-%g", t.Asset, t.Timestamp.UnixMilli(), t.Price)
}

func (s *ClickHouseStorage) Store(ctx context.Context, t models.Tick) error {
	q := fmt.Sprintf("INSERT INTO %s (ts, asset, symbol, price, quantity, source, event_id) VALUES (?, ?, ?, ?, ?, ?, ?)", s.table)
	_, err := s.db.ExecContext(ctx, q,
		t.Timestamp.UTC(),
		string(t.Asset),
		t.Asset.Symbol(),
		t.Price,
		t.Quantity,
		tickSource,
		eventID(t),
	)
	return err
}

func (s *ClickHouseStorage) StoreBatch(ctx context.Context, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	// multi-row VALUES, 2000 rows per statement
	const chunkSize = 2000
	for start := 0; start < len(ticks); start += chunkSize {
		end := start + chunkSize
		if end > len(ticks) {
			end = len(ticks)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*7)
		for _, t := range ticks[start:end] {
			if t.Validate() != nil {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				t.Timestamp.UTC(),
				string(t.Asset),
				t.Asset.Symbol(),
				t.Price,
				t.Quantity,
				tickSource,
				eventID(t),
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (ts, asset, symbol, price, quantity, source, event_id) VALUES %s", s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClickHouseStorage) Query(ctx context.Context, asset models.Asset, from, to time.Time, limit int) ([]models.Tick, error) {
	q := fmt.Sprintf("SELECT asset, ts, price, quantity FROM %s WHERE asset = ? AND ts >= ? AND ts <= ? ORDER BY ts DESC LIMIT ?", s.table)
	rows, err := s.db.QueryContext(ctx, q, string(asset), from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []models.Tick
	for rows.Next() {
		var t models.Tick
		var a string
		if err := rows.Scan(&a, &t.Timestamp, &t.Price, &t.Quantity); err != nil {
			return nil, err
		}
		t.Asset = models.Asset(a)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (s *ClickHouseStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseStorage) Close() error {
	return nil // pool owned by pkg/clickhouse
}

// KafkaPublisher implements Publisher for Kafka.
type KafkaPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaPublisher creates Kafka publisher.
func NewKafkaPublisher(producer *pkgkafka.Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, t models.Tick) error {
	return p.producer.Publish(ctx, p.topic, []byte(t.Asset), t.Message())
}

func (p *KafkaPublisher) PublishBatch(ctx context.Context, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(ticks))
	for i, t := range ticks {
		msgs[i] = pkgkafka.Message{Key: []byte(t.Asset), Value: t.Message()}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

var (
	_ repository.Storage   = (*ClickHouseStorage)(nil)
	_ repository.Publisher = (*KafkaPublisher)(nil)
)
