package models

import (
	"fmt"
	"math"
	"time"
)

// Tick is a single trade observation. Treat it as immutable once built.
type Tick struct {
	Asset     Asset
	Price     float64
	Quantity  float64
	Timestamp time.Time
}

// Validate rejects ticks the monitors must never see.
func (t Tick) Validate() error {
	if !t.Asset.Valid() {
		return fmt.Errorf("asset %q not tracked", t.Asset)
	}
	if !finite(t.Price) || t.Price <= 0 {
		return fmt.Errorf("price must be positive and finite, got %v", t.Price)
	}
	if !finite(t.Quantity) || t.Quantity < 0 {
		return fmt.Errorf("quantity must be non-negative and finite, got %v", t.Quantity)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("timestamp missing")
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// PriceUpdate is the payload pushed on the price event class.
type PriceUpdate struct {
	Type      string  `json:"type"`
	Asset     Asset   `json:"asset"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp string  `json:"timestamp"`
}

// NewPriceUpdate converts a tick into its wire payload.
func NewPriceUpdate(t Tick) PriceUpdate {
	return PriceUpdate{
		Type:      "price_update",
		Asset:     t.Asset,
		Symbol:    t.Asset.Symbol(),
		Price:     t.Price,
		Quantity:  t.Quantity,
		Timestamp: FormatEventTime(t.Timestamp),
	}
}

// EventTimeLayout is the ISO-8601 layout used in event payloads.
const EventTimeLayout = "2006-01-02T15:04:05.000"

// FormatEventTime renders t in UTC using EventTimeLayout.
func FormatEventTime(t time.Time) string {
	return t.UTC().Format(EventTimeLayout)
}

// TickMessage is the Kafka encoding of a tick. TS is unix milliseconds.
type TickMessage struct {
	Asset    Asset   `json:"asset"`
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	TS       int64   `json:"ts"`
}

func (t Tick) Message() TickMessage {
	return TickMessage{
		Asset:    t.Asset,
		Symbol:   t.Asset.Symbol(),
		Price:    t.Price,
		Quantity: t.Quantity,
		TS:       t.Timestamp.UnixMilli(),
	}
}

// Tick converts the message back. An empty asset is recovered from the symbol.
func (m TickMessage) Tick() (Tick, error) {
	asset := m.Asset
	if asset == "" {
		a, err := ParseAsset(m.Symbol)
		if err != nil {
			return Tick{}, err
		}
		asset = a
	}
	t := Tick{Asset: asset, Price: m.Price, Quantity: m.Quantity, Timestamp: time.UnixMilli(m.TS).UTC()}
	return t, t.Validate()
}
