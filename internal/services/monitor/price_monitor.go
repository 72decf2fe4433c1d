package monitor

import (
	"fmt"
	"math"

	"FinPulse/internal/domain/models"

	"github.com/shopspring/decimal"
)

// CooldownPolicy decides what happens after a crash is emitted.
type CooldownPolicy int

const (
	// ResetBaseline makes the crash price the new peak.
	ResetBaseline CooldownPolicy = iota
	// UntilNewPeak keeps the old peak but stays silent until a different
	// peak takes over.
	UntilNewPeak
)

const defaultMinPoints = 2

var hundred = decimal.NewFromInt(100)

// Config tunes a PriceMonitor.
type Config struct {
	ThresholdPct float64
	BufferSize   int
	MinPoints    int // fewer retained points skip evaluation
	Policy       CooldownPolicy
}

// ConfigFor returns the asset's defaults.
func ConfigFor(a models.Asset) Config {
	spec := a.Spec()
	return Config{ThresholdPct: spec.ThresholdPct, BufferSize: spec.BufferSize, MinPoints: defaultMinPoints}
}

// PriceMonitor detects crashes for one asset. It is not safe for concurrent
// use; each asset must have a single writer.
type PriceMonitor struct {
	asset     models.Asset
	threshold decimal.Decimal
	minPoints int
	policy    CooldownPolicy
	buf       *RollingBuffer

	armed      bool
	emittedFor uint64
}

// NewPriceMonitor creates a monitor for asset.
func NewPriceMonitor(asset models.Asset, cfg Config) (*PriceMonitor, error) {
	if !asset.Valid() {
		return nil, fmt.Errorf("monitor: unknown asset %q", asset)
	}
	if cfg.ThresholdPct <= 0 {
		return nil, fmt.Errorf("monitor %s: threshold must be positive", asset)
	}
	if cfg.MinPoints < 1 {
		cfg.MinPoints = defaultMinPoints
	}
	buf, err := NewRollingBuffer(cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("monitor %s: %w", asset, err)
	}
	return &PriceMonitor{
		asset:     asset,
		threshold: decimal.NewFromFloat(cfg.ThresholdPct),
		minPoints: cfg.MinPoints,
		policy:    cfg.Policy,
		buf:       buf,
		armed:     true,
	}, nil
}

// AddPrice feeds one tick and returns a crash event when the drop from the
// current peak reaches the threshold. Non-positive or non-finite prices are
// ignored.
func (m *PriceMonitor) AddPrice(t models.Tick) (*models.CrashEvent, bool) {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return nil, false
	}
	m.buf.Push(t.Price, t.Timestamp)
	if m.buf.Len() < m.minPoints {
		return nil, false
	}

	peak, _, _ := m.buf.Peak()
	seq := m.buf.peakSeq()
	if seq == m.buf.lastSeq() {
		// the tick itself is the peak
		m.armed = true
		return nil, false
	}
	if !m.armed && seq != m.emittedFor {
		m.armed = true
	}
	if !m.armed {
		return nil, false
	}

	p := decimal.NewFromFloat(peak)
	cur := decimal.NewFromFloat(t.Price)
	drop := p.Sub(cur)
	pct := drop.Div(p).Mul(hundred)
	if pct.LessThan(m.threshold) {
		return nil, false
	}

	ev := &models.CrashEvent{
		Asset:        m.asset,
		MagnitudePct: pct.InexactFloat64(),
		CurrentPrice: t.Price,
		PeakPrice:    peak,
		PriceDropAbs: drop.InexactFloat64(),
		Timestamp:    t.Timestamp,
		BufferSize:   m.buf.Len(),
	}
	switch m.policy {
	case UntilNewPeak:
		m.armed = false
		m.emittedFor = seq
	default:
		m.buf.ResetBaseline()
	}
	return ev, true
}

// Peak returns the current peak price.
func (m *PriceMonitor) Peak() (float64, bool) {
	p, _, ok := m.buf.Peak()
	return p, ok
}

func (m *PriceMonitor) Asset() models.Asset { return m.asset }

func (m *PriceMonitor) Len() int { return m.buf.Len() }
