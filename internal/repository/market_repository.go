package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"FinPulse/internal/domain/models"
	domrepo "FinPulse/internal/domain/repository"
	pkgch "FinPulse/pkg/clickhouse"
	applogger "FinPulse/pkg/logger"
)

// CHMarketStore keeps the market snapshot history and the raw upstream
// archive in ClickHouse.
type CHMarketStore struct {
	db *sql.DB
	l  *applogger.Logger
}

func NewCHMarketStore(ch *pkgch.Client) *CHMarketStore {
	return &CHMarketStore{db: ch.DB()}
}

// SetLogger injects a structured logger.
func (s *CHMarketStore) SetLogger(l *applogger.Logger) { s.l = l }

// Append adds one snapshot. Rows are never updated.
func (s *CHMarketStore) Append(ctx context.Context, snap models.MarketSnapshot) error {
	start := time.Now()
	q := fmt.Sprintf("INSERT INTO %s (ts, total_market_cap, btc_dominance, total_volume_24h, market_cap_change_24h) VALUES (?, ?, ?, ?, ?)", TableMarketSnapshots)
	_, err := s.db.ExecContext(ctx, q,
		snap.Timestamp.UTC(),
		snap.TotalMarketCap,
		snap.BTCDominance,
		snap.TotalVolume24h,
		snap.MarketCapChange24,
	)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse append_snapshot error", applogger.Error(err))
		}
		return fmt.Errorf("append snapshot: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse append_snapshot ok",
			applogger.Time("ts", snap.Timestamp),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

// Since returns snapshots at or after from, oldest first.
func (s *CHMarketStore) Since(ctx context.Context, from time.Time) ([]models.MarketSnapshot, error) {
	start := time.Now()
	const qtpl = `
        SELECT ts, total_market_cap, btc_dominance, total_volume_24h, market_cap_change_24h
        FROM %s
        WHERE ts >= ?
        ORDER BY ts ASC
    `
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(qtpl, TableMarketSnapshots), from.UTC())
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse snapshots query error",
				applogger.Time("from", from),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("snapshots since: %w", err)
	}
	defer rows.Close()

	out := make([]models.MarketSnapshot, 0, 256)
	for rows.Next() {
		var m models.MarketSnapshot
		if err := rows.Scan(&m.Timestamp, &m.TotalMarketCap, &m.BTCDominance, &m.TotalVolume24h, &m.MarketCapChange24); err != nil {
			if s.l != nil {
				s.l.Error("clickhouse snapshots scan error", applogger.Error(err))
			}
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Info("clickhouse snapshots ok",
			applogger.Time("from", from),
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return out, nil
}

func (s *CHMarketStore) Count(ctx context.Context) (int64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT count() FROM "+TableMarketSnapshots).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return int64(n), nil
}

// SaveRaw archives an upstream body as-is.
func (s *CHMarketStore) SaveRaw(ctx context.Context, r models.RawResponse) error {
	q := fmt.Sprintf("INSERT INTO %s (fetched_at, endpoint, body) VALUES (?, ?, ?)", TableRawResponses)
	if _, err := s.db.ExecContext(ctx, q, r.FetchedAt.UTC(), r.Endpoint, string(r.Body)); err != nil {
		return fmt.Errorf("save raw: %w", err)
	}
	return nil
}

var (
	_ domrepo.SnapshotStore   = (*CHMarketStore)(nil)
	_ domrepo.RawResponseSink = (*CHMarketStore)(nil)
)
