package monitor

import (
	"time"

	"FinPulse/internal/domain/models"
)

type sample struct {
	price float64
	ts    time.Time
}

// SpikeDetector raises an alert when the high-low range of an asset over a
// time window reaches an absolute USD threshold.
type SpikeDetector struct {
	asset     models.Asset
	window    time.Duration
	threshold float64
	maxLen    int
	samples   []sample
	active    bool // range is above threshold; suppresses repeats
}

// SpikeConfig tunes a SpikeDetector.
type SpikeConfig struct {
	Window       time.Duration
	ThresholdUSD float64
	MaxSamples   int
}

func DefaultSpikeConfig() SpikeConfig {
	return SpikeConfig{Window: 10 * time.Minute, ThresholdUSD: 500, MaxSamples: 1000}
}

func NewSpikeDetector(asset models.Asset, cfg SpikeConfig) *SpikeDetector {
	def := DefaultSpikeConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ThresholdUSD <= 0 {
		cfg.ThresholdUSD = def.ThresholdUSD
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	return &SpikeDetector{asset: asset, window: cfg.Window, threshold: cfg.ThresholdUSD, maxLen: cfg.MaxSamples}
}

func (d *SpikeDetector) Asset() models.Asset { return d.asset }

// Add records a tick and reports a spike when the windowed range first reaches
// the threshold. Samples older than the window, measured from the tick, are discarded.
func (d *SpikeDetector) Add(t models.Tick) (*models.VolatilitySpike, bool) {
	d.samples = append(d.samples, sample{price: t.Price, ts: t.Timestamp})
	if len(d.samples) > d.maxLen {
		d.samples = d.samples[len(d.samples)-d.maxLen:]
	}
	cutoff := t.Timestamp.Add(-d.window)
	i := 0
	for i < len(d.samples) && d.samples[i].ts.Before(cutoff) {
		i++
	}
	d.samples = d.samples[i:]
	if len(d.samples) < 2 {
		d.active = false
		return nil, false
	}

	lo, hi := d.samples[0].price, d.samples[0].price
	for _, s := range d.samples[1:] {
		if s.price < lo {
			lo = s.price
		}
		if s.price > hi {
			hi = s.price
		}
	}
	change := hi - lo
	if change < d.threshold {
		d.active = false
		return nil, false
	}
	if d.active {
		return nil, false
	}
	d.active = true
	return &models.VolatilitySpike{
		Type:            "volatility_spike",
		Asset:           d.asset,
		CurrentPrice:    t.Price,
		MinPrice:        lo,
		MaxPrice:        hi,
		PriceChange:     change,
		ChangePercent:   change / lo * 100,
		WindowMinutes:   int(d.window / time.Minute),
		Timestamp:       models.FormatEventTime(t.Timestamp),
		VolatilityAlert: true,
	}, true
}
