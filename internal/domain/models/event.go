package models

import (
	"fmt"
	"time"
)

// CrashEventType tags crash payloads.
const CrashEventType = "VOLATILITY_CRASH"

// CrashEvent is emitted when an asset falls at least its threshold below the
// peak of its rolling buffer.
type CrashEvent struct {
	Asset        Asset
	MagnitudePct float64
	CurrentPrice float64
	PeakPrice    float64
	PriceDropAbs float64
	Timestamp    time.Time
	BufferSize   int
}

// CrashPayload is the JSON shape of a crash event.
type CrashPayload struct {
	Asset        Asset   `json:"asset"`
	Type         string  `json:"type"`
	Magnitude    float64 `json:"magnitude"`
	CurrentPrice float64 `json:"current_price"`
	PeakPrice    float64 `json:"peak_price"`
	PriceDrop    float64 `json:"price_drop"`
	Timestamp    string  `json:"timestamp"`
	BufferSize   int     `json:"buffer_size"`
}

// Payload returns the wire representation.
func (e CrashEvent) Payload() CrashPayload {
	return CrashPayload{
		Asset:        e.Asset,
		Type:         CrashEventType,
		Magnitude:    e.MagnitudePct,
		CurrentPrice: e.CurrentPrice,
		PeakPrice:    e.PeakPrice,
		PriceDrop:    e.PriceDropAbs,
		Timestamp:    FormatEventTime(e.Timestamp),
		BufferSize:   e.BufferSize,
	}
}

// VolatilitySpike is the time-window range alert (max minus min over the window).
type VolatilitySpike struct {
	Type            string  `json:"type"`
	Asset           Asset   `json:"asset"`
	CurrentPrice    float64 `json:"current_price"`
	MinPrice        float64 `json:"min_price"`
	MaxPrice        float64 `json:"max_price"`
	PriceChange     float64 `json:"price_change"`
	ChangePercent   float64 `json:"change_percent"`
	WindowMinutes   int     `json:"window_minutes"`
	Timestamp       string  `json:"timestamp"`
	VolatilityAlert bool    `json:"volatility_alert"`
}

// Event rebuilds a CrashEvent from its wire form.
func (p CrashPayload) Event() (CrashEvent, error) {
	ts, err := time.ParseInLocation(EventTimeLayout, p.Timestamp, time.UTC)
	if err != nil {
		return CrashEvent{}, fmt.Errorf("crash timestamp: %w", err)
	}
	if !p.Asset.Valid() {
		return CrashEvent{}, fmt.Errorf("crash asset %q not tracked", p.Asset)
	}
	return CrashEvent{
		Asset:        p.Asset,
		MagnitudePct: p.Magnitude,
		CurrentPrice: p.CurrentPrice,
		PeakPrice:    p.PeakPrice,
		PriceDropAbs: p.PriceDrop,
		Timestamp:    ts,
		BufferSize:   p.BufferSize,
	}, nil
}
