package models

import "time"

// MarketSnapshot is one row of the append-only market history log.
type MarketSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalMarketCap    float64   `json:"total_market_cap"`
	BTCDominance      float64   `json:"btc_dominance"`
	TotalVolume24h    float64   `json:"total_volume_24h"`
	MarketCapChange24 float64   `json:"market_cap_change_24h"`
}

// SourceStatus describes how an upstream source is doing.
type SourceStatus string

const (
	StatusOperational SourceStatus = "operational"
	StatusDegraded    SourceStatus = "degraded"
	StatusOffline     SourceStatus = "offline"
)

// RefreshReport summarizes the last market refresh.
type RefreshReport struct {
	Status     SourceStatus    `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Snapshot   *MarketSnapshot `json:"snapshot,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RawResponse is an archived upstream body.
type RawResponse struct {
	Endpoint  string
	FetchedAt time.Time
	Body      []byte
}
