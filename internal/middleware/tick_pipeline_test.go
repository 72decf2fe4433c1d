package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FinPulse/internal/domain/models"
	"FinPulse/internal/service/broadcast"
	"FinPulse/internal/services/monitor"
	"FinPulse/pkg/metrics"
)

type recordingSink struct {
	mu    sync.Mutex
	ticks []models.Tick
	fail  int
	got   chan struct{}
}

func (s *recordingSink) Process(_ context.Context, t models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("downstream unavailable")
	}
	s.ticks = append(s.ticks, t)
	if s.got != nil {
		s.got <- struct{}{}
	}
	return nil
}

type recordingEvents struct {
	crashes []models.CrashEvent
	spikes  []models.VolatilitySpike
}

func (r *recordingEvents) PublishCrash(_ context.Context, e models.CrashEvent) error {
	r.crashes = append(r.crashes, e)
	return nil
}

func (r *recordingEvents) PublishSpike(_ context.Context, s models.VolatilitySpike) error {
	r.spikes = append(r.spikes, s)
	return nil
}

func newBTCPipeline(t *testing.T, opts ...PipelineOption) (*TickPipeline, *broadcast.Broadcaster) {
	t.Helper()
	m, err := monitor.NewPriceMonitor(models.AssetBTC, monitor.Config{ThresholdPct: 2, BufferSize: 5})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	sd := monitor.NewSpikeDetector(models.AssetBTC, monitor.SpikeConfig{Window: 10 * time.Minute, ThresholdUSD: 5})
	b := broadcast.New(broadcast.DefaultConfig())
	return NewTickPipeline([]*monitor.PriceMonitor{m}, []*monitor.SpikeDetector{sd}, b, metrics.Nop{}, opts...), b
}

func tick(price float64, sec int) models.Tick {
	return models.Tick{
		Asset:     models.AssetBTC,
		Price:     price,
		Quantity:  0.1,
		Timestamp: time.Unix(1700000000+int64(sec), 0).UTC(),
	}
}

func TestPipelineEmitsCrashToBroadcasterAndPublisher(t *testing.T) {
	ev := &recordingEvents{}
	p, b := newBTCPipeline(t, WithEventPublisher(ev))
	ctx := context.Background()

	for i, price := range []float64{100, 101, 99, 97, 96} {
		if err := p.Process(ctx, tick(price, i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if len(ev.crashes) != 1 {
		t.Fatalf("crashes=%d want 1", len(ev.crashes))
	}
	if ev.crashes[0].CurrentPrice != 97 || ev.crashes[0].PeakPrice != 101 {
		t.Fatalf("crash=%+v", ev.crashes[0])
	}
	crashes := b.Recent(broadcast.ClassCrash, 10)
	if len(crashes) != 1 {
		t.Fatalf("broadcast crashes=%d want 1", len(crashes))
	}
	payload, ok := crashes[0].Payload.(models.CrashPayload)
	if !ok || payload.Type != models.CrashEventType {
		t.Fatalf("payload=%#v", crashes[0].Payload)
	}
	if n := len(b.Recent(broadcast.ClassPrice, 100)); n != 5 {
		t.Fatalf("price events=%d want 5", n)
	}
	// 101 -> 96 reaches the $5 range once
	if len(ev.spikes) != 1 || len(b.Recent(broadcast.ClassVolatility, 10)) != 1 {
		t.Fatalf("spikes=%d", len(ev.spikes))
	}
}

func TestPipelineRejectsInvalidTicks(t *testing.T) {
	p, b := newBTCPipeline(t)
	bad := []models.Tick{
		{Asset: models.AssetBTC, Price: 0, Timestamp: time.Now()},
		{Asset: models.AssetBTC, Price: -1, Timestamp: time.Now()},
		{Asset: "DOGE", Price: 1, Timestamp: time.Now()},
		{Asset: models.AssetBTC, Price: 1},
	}
	for _, tk := range bad {
		if err := p.Process(context.Background(), tk); err == nil {
			t.Fatalf("expected rejection for %+v", tk)
		}
	}
	if n := len(b.Recent(broadcast.ClassPrice, 10)); n != 0 {
		t.Fatalf("invalid ticks reached broadcaster: %d", n)
	}
}

func TestPipelineThrottlesPriceBroadcastOnly(t *testing.T) {
	ev := &recordingEvents{}
	p, b := newBTCPipeline(t, WithMaxRPS(1), WithEventPublisher(ev))
	for i, price := range []float64{100, 101, 99, 97} {
		_ = p.Process(context.Background(), tick(price, i))
	}
	if n := len(b.Recent(broadcast.ClassPrice, 10)); n != 1 {
		t.Fatalf("price events=%d want 1", n)
	}
	if len(ev.crashes) != 1 {
		t.Fatalf("detection must see every tick, crashes=%d", len(ev.crashes))
	}
}

func TestPipelineForwardsToSinkAndRetries(t *testing.T) {
	sink := &recordingSink{fail: 1, got: make(chan struct{}, 4)}
	p, _ := newBTCPipeline(t, WithSink(sink))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	if err := p.Process(ctx, tick(100, 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick never reached sink")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.ticks) != 1 || sink.ticks[0].Price != 100 {
		t.Fatalf("sink ticks=%+v", sink.ticks)
	}
}

func TestPipelineDropsWhenSinkBufferFull(t *testing.T) {
	sink := &recordingSink{}
	p, _ := newBTCPipeline(t, WithSink(sink), WithBufferSize(2))
	// not started: nothing drains the buffer
	for i := 0; i < 5; i++ {
		if err := p.Process(context.Background(), tick(100+float64(i), i)); err != nil {
			t.Fatalf("process must not fail on a full buffer: %v", err)
		}
	}
	if len(p.bufCh) != 2 {
		t.Fatalf("buffered=%d want 2", len(p.bufCh))
	}
}
