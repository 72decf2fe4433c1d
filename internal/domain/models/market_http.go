package models

import "time"

// Requests for market HTTP endpoints.

type HistoryRequest struct {
	Days int `query:"days" json:"days" default:"7" validate:"gte=1,lte=365"`
}

type RecentEventsRequest struct {
	Class string `query:"class" json:"class" default:"crash" validate:"oneof=price volatility crash"`
	N     int    `query:"n" json:"n" default:"20" validate:"gte=1,lte=100"`
}

type TicksRequest struct {
	Asset  string `query:"asset" json:"asset" validate:"required,oneof=BTC ETH SOL"`
	Window string `query:"window" json:"window" default:"1h" validate:"duration"`
	Limit  int    `query:"limit" json:"limit" default:"1000" validate:"gte=1,lte=50000"`
}

type CrashesRequest struct {
	Asset string `query:"asset" json:"asset" validate:"omitempty,oneof=BTC ETH SOL"`
	Limit int    `query:"limit" json:"limit" default:"50" validate:"gte=1,lte=500"`
}

type StreamRequest struct {
	Classes string `query:"classes" json:"classes"`
	Replay  bool   `query:"replay" json:"replay"`
}

// Responses.

type PriceResponse struct {
	Asset     Asset     `json:"asset"`
	Price     float64   `json:"price"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type PricesResponse struct {
	Prices    map[Asset]float64 `json:"prices"`
	Assets    []Asset           `json:"assets"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
}

type HistoryResponse struct {
	Count int              `json:"count"`
	Data  []MarketSnapshot `json:"data"`
}

type RefreshAccepted struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthComponents struct {
	API           SourceStatus      `json:"api"`
	HistoryStore  SourceStatus      `json:"history_store"`
	RecordCount   int64             `json:"record_count"`
	Websocket     SourceStatus      `json:"binance_websocket"`
	StreamState   string            `json:"stream_state"`
	CoinMarketCap SourceStatus      `json:"coinmarketcap"`
	CurrentPrices map[Asset]float64 `json:"current_prices"`
}

type HealthResponse struct {
	Status     string           `json:"status"` // healthy or degraded
	Timestamp  time.Time        `json:"timestamp"`
	Components HealthComponents `json:"components"`
}
