package repository

// Table names.
const (
	TableTicks           = "ticks"
	TableCrashEvents     = "crash_events"
	TableMarketSnapshots = "market_snapshots"
	TableRawResponses    = "raw_responses"
)

// SchemaStatements returns the idempotent DDL for every table the app writes.
func SchemaStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + TableTicks + ` (
            ts       DateTime64(3, 'UTC'),
            asset    LowCardinality(String),
            symbol   LowCardinality(String),
            price    Float64,
            quantity Float64,
            source   LowCardinality(String),
            event_id String
        ) ENGINE = ReplacingMergeTree
        PARTITION BY toYYYYMMDD(ts)
        ORDER BY (asset, ts, event_id)`,
		`CREATE TABLE IF NOT EXISTS ` + TableCrashEvents + ` (
            ts            DateTime64(3, 'UTC'),
            asset         LowCardinality(String),
            magnitude_pct Float64,
            current_price Float64,
            peak_price    Float64,
            price_drop    Float64,
            buffer_size   UInt32
        ) ENGINE = MergeTree
        ORDER BY (asset, ts)`,
		`CREATE TABLE IF NOT EXISTS ` + TableMarketSnapshots + ` (
            ts                    DateTime64(3, 'UTC'),
            total_market_cap      Float64,
            btc_dominance         Float64,
            total_volume_24h      Float64,
            market_cap_change_24h Float64
        ) ENGINE = MergeTree
        ORDER BY ts`,
		`CREATE TABLE IF NOT EXISTS ` + TableRawResponses + ` (
            fetched_at DateTime64(3, 'UTC'),
            endpoint   LowCardinality(String),
            body       String CODEC(ZSTD)
        ) ENGINE = MergeTree
        ORDER BY (endpoint, fetched_at)
        TTL toDateTime(fetched_at) + INTERVAL 30 DAY`,
	}
}
