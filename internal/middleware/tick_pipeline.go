package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"FinPulse/internal/domain/models"
	domrepo "FinPulse/internal/domain/repository"
	"FinPulse/internal/service/broadcast"
	"FinPulse/internal/services/monitor"
	"FinPulse/pkg/logger"
)

// Sink is the downstream tick processor (kafka or clickhouse).
type Sink interface {
	Process(ctx context.Context, t models.Tick) error
}

// Broadcaster is the part of broadcast.Broadcaster the pipeline publishes to.
type Broadcaster interface {
	Publish(class broadcast.Class, asset models.Asset, payload any) (broadcast.Event, error)
}

// TickPipeline sits between the live feed and everything downstream.
// It validates each tick, runs crash and spike detection for its asset,
// publishes price/crash/volatility events, and hands the tick to the sink
// through a bounded buffer that drops when full.
type TickPipeline struct {
	monitors map[models.Asset]*monitor.PriceMonitor
	spikes   map[models.Asset]*monitor.SpikeDetector
	bcast    Broadcaster
	events   domrepo.EventPublisher
	sink     Sink
	metrics  domrepo.Metrics
	logger   *logger.Logger

	maxRPS   int
	bufSize  int
	bufCh    chan models.Tick
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
	lastSeen map[models.Asset]time.Time // last price broadcast per asset
}

type PipelineOption func(*TickPipeline)

// WithMaxRPS caps price broadcasts per asset per second. Detection still sees every tick.
func WithMaxRPS(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets the sink buffer size.
func WithBufferSize(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithSink(s Sink) PipelineOption {
	return func(p *TickPipeline) { p.sink = s }
}

func WithEventPublisher(e domrepo.EventPublisher) PipelineOption {
	return func(p *TickPipeline) { p.events = e }
}

func WithLogger(l *logger.Logger) PipelineOption {
	return func(p *TickPipeline) { p.logger = l }
}

// NewTickPipeline creates a pipeline over one monitor (and optionally one
// spike detector) per asset.
func NewTickPipeline(
	monitors []*monitor.PriceMonitor,
	spikes []*monitor.SpikeDetector,
	bcast Broadcaster,
	metrics domrepo.Metrics,
	opts ...PipelineOption,
) *TickPipeline {
	p := &TickPipeline{
		monitors: make(map[models.Asset]*monitor.PriceMonitor, len(monitors)),
		spikes:   make(map[models.Asset]*monitor.SpikeDetector, len(spikes)),
		bcast:    bcast,
		metrics:  metrics,
		logger:   logger.Nop(),
		bufSize:  1000,
		stopCh:   make(chan struct{}),
		lastSeen: make(map[models.Asset]time.Time),
	}
	for _, m := range monitors {
		p.monitors[m.Asset()] = m
	}
	for _, s := range spikes {
		p.spikes[s.Asset()] = s
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.Tick, p.bufSize)
	return p
}

// Start launches the goroutine draining the sink buffer.
func (p *TickPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.sink == nil {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case t := <-p.bufCh:
				if err := p.sink.Process(ctx, t); err != nil {
					p.metrics.RecordError("pipeline_flush")
					p.logger.Warn("sink process failed",
						logger.String("asset", t.Asset.String()),
						logger.Duration("backoff", backoff),
						logger.Error(err))
					if backoff < 2*time.Second {
						backoff *= 2
					}
					if err := sleep(ctx, p.stopCh, backoff); err != nil {
						return
					}
					select {
					case p.bufCh <- t:
					default:
						p.metrics.RecordError("pipeline_buffer_drop")
					}
					continue
				}
				backoff = 50 * time.Millisecond
			}
		}
	}()
}

// Stop stops the drain goroutine. Buffered ticks are discarded.
func (p *TickPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.stopCh)
}

// Process handles one tick. It is meant to be called from a single dispatch
// goroutine; detection state is still guarded so concurrent calls stay safe.
func (p *TickPipeline) Process(ctx context.Context, t models.Tick) error {
	start := time.Now()
	if err := t.Validate(); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return fmt.Errorf("pipeline: %w", err)
	}
	p.metrics.RecordLastPrice(t.Asset.Symbol(), t.Price)

	p.mu.Lock()
	var crash *models.CrashEvent
	if m, ok := p.monitors[t.Asset]; ok {
		if ev, fired := m.AddPrice(t); fired {
			crash = ev
		}
	}
	var spike *models.VolatilitySpike
	if d, ok := p.spikes[t.Asset]; ok {
		if s, fired := d.Add(t); fired {
			spike = s
		}
	}
	broadcastPrice := p.allow(t.Asset, start)
	p.mu.Unlock()

	if broadcastPrice {
		p.publish(broadcast.ClassPrice, t.Asset, models.NewPriceUpdate(t))
	}
	if crash != nil {
		p.onCrash(ctx, *crash)
	}
	if spike != nil {
		p.onSpike(ctx, *spike)
	}

	if p.sink != nil {
		select {
		case p.bufCh <- t:
		default:
			p.metrics.RecordError("pipeline_buffer_full")
		}
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

func (p *TickPipeline) onCrash(ctx context.Context, ev models.CrashEvent) {
	p.metrics.RecordCrash(ev.Asset.String())
	p.logger.Warn("crash detected",
		logger.String("asset", ev.Asset.String()),
		logger.Float64("magnitude_pct", ev.MagnitudePct),
		logger.Float64("peak", ev.PeakPrice),
		logger.Float64("price", ev.CurrentPrice))
	p.publish(broadcast.ClassCrash, ev.Asset, ev.Payload())
	if p.events != nil {
		if err := p.events.PublishCrash(ctx, ev); err != nil {
			p.metrics.RecordError("publish_crash")
			p.logger.Error("publish crash", logger.Error(err))
		}
	}
}

func (p *TickPipeline) onSpike(ctx context.Context, s models.VolatilitySpike) {
	p.logger.Info("volatility spike",
		logger.String("asset", s.Asset.String()),
		logger.Float64("range", s.PriceChange))
	p.publish(broadcast.ClassVolatility, s.Asset, s)
	if p.events != nil {
		if err := p.events.PublishSpike(ctx, s); err != nil {
			p.metrics.RecordError("publish_spike")
			p.logger.Error("publish spike", logger.Error(err))
		}
	}
}

func (p *TickPipeline) publish(class broadcast.Class, asset models.Asset, payload any) {
	if p.bcast == nil {
		return
	}
	if _, err := p.bcast.Publish(class, asset, payload); err != nil {
		p.logger.Debug("broadcast skipped", logger.String("class", string(class)), logger.Error(err))
	}
}

func (p *TickPipeline) allow(asset models.Asset, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	last := p.lastSeen[asset]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[asset] = now
	return true
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return context.Canceled
	case <-t.C:
		return nil
	}
}
