package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FinPulse/internal/domain/models"
)

type dropCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (d *dropCounter) RecordMessageSent(string, string) {}
func (d *dropCounter) RecordError(string) {}
func (d *dropCounter) RecordLastPrice(string, float64) {}
func (d *dropCounter) RecordLatency(string, float64) {}
func (d *dropCounter) RecordCrash(string) {}
func (d *dropCounter) RecordStreamState(string) {}
func (d *dropCounter) RecordFetchAttempt(string, string) {}
func (d *dropCounter) RecordDropped(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == nil {
		d.n = map[string]int{}
	}
	d.n[class]++
}

func small(n int) Config {
	return Config{
		HistorySize: map[Class]int{ClassPrice: n, ClassVolatility: n, ClassCrash: n},
		QueueSize:   map[Class]int{ClassPrice: n, ClassVolatility: n, ClassCrash: n},
	}
}

func next(t *testing.T, s *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func TestSlowSubscriberDoesNotStallFastOne(t *testing.T) {
	m := &dropCounter{}
	b := New(small(10), WithMetrics(m))

	slow, _ := b.Subscribe([]Class{ClassPrice}, false)
	fast, _ := b.Subscribe([]Class{ClassPrice}, false)

	for i := 1; i <= 1000; i++ {
		if _, err := b.Publish(ClassPrice, models.AssetBTC, i); err != nil {
			t.Fatalf("publish: %v", err)
		}
		ev := next(t, fast)
		if ev.Payload.(int) != i {
			t.Fatalf("fast got %v want %d", ev.Payload, i)
		}
	}

	if slow.Pending() != 10 {
		t.Fatalf("slow pending=%d want 10", slow.Pending())
	}
	if got := slow.Dropped(ClassPrice); got != 990 {
		t.Fatalf("slow dropped=%d want 990", got)
	}
	if fast.Dropped(ClassPrice) != 0 {
		t.Fatalf("fast should not drop")
	}
	// oldest retained is the 991st
	if ev := next(t, slow); ev.Payload.(int) != 991 {
		t.Fatalf("slow first=%v want 991", ev.Payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.n["price"] != 990 {
		t.Fatalf("metric dropped=%d want 990", m.n["price"])
	}
}

func TestEventsComeOutInPublishOrderAcrossClasses(t *testing.T) {
	b := New(DefaultConfig())
	s, _ := b.Subscribe(nil, false)

	b.Publish(ClassPrice, models.AssetBTC, "p1")
	b.Publish(ClassCrash, models.AssetBTC, "c1")
	b.Publish(ClassVolatility, models.AssetETH, "v1")
	b.Publish(ClassPrice, models.AssetSOL, "p2")

	want := []string{"p1", "c1", "v1", "p2"}
	var last uint64
	for _, w := range want {
		ev := next(t, s)
		if ev.Payload.(string) != w {
			t.Fatalf("got %v want %s", ev.Payload, w)
		}
		if ev.Seq <= last {
			t.Fatalf("seq not increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestSubscriptionFiltersClasses(t *testing.T) {
	b := New(DefaultConfig())
	s, _ := b.Subscribe([]Class{ClassCrash}, false)

	b.Publish(ClassPrice, models.AssetBTC, "p")
	b.Publish(ClassCrash, models.AssetBTC, "c")

	if ev := next(t, s); ev.Class != ClassCrash {
		t.Fatalf("class=%s want crash", ev.Class)
	}
	if s.Pending() != 0 {
		t.Fatalf("price event leaked into crash subscription")
	}
}

func TestUnsubscribeUnblocksNext(t *testing.T) {
	b := New(DefaultConfig())
	s, _ := b.Subscribe(nil, false)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe(s)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not return after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", b.Subscribers())
	}
	// publishing afterwards is harmless
	if _, err := b.Publish(ClassPrice, models.AssetBTC, 1); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestCloseTerminatesAllSubscriptions(t *testing.T) {
	b := New(DefaultConfig())
	a, _ := b.Subscribe(nil, false)
	c, _ := b.Subscribe(nil, false)
	b.Publish(ClassPrice, models.AssetBTC, 1)

	b.Close()
	for _, s := range []*Subscription{a, c} {
		if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v want ErrClosed", err)
		}
	}
	if _, err := b.Publish(ClassPrice, models.AssetBTC, 2); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close err=%v", err)
	}
	if _, err := b.Subscribe(nil, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close err=%v", err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	b := New(DefaultConfig())
	s, _ := b.Subscribe(nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline", err)
	}
}

func TestReplayDeliversHistoryInOrder(t *testing.T) {
	b := New(small(3))
	for i := 1; i <= 5; i++ {
		b.Publish(ClassPrice, models.AssetBTC, i)
	}
	b.Publish(ClassCrash, models.AssetBTC, "crash")

	s, _ := b.Subscribe(nil, true)
	want := []any{3, 4, 5, "crash"}
	for _, w := range want {
		if ev := next(t, s); ev.Payload != w {
			t.Fatalf("got %v want %v", ev.Payload, w)
		}
	}

	noReplay, _ := b.Subscribe(nil, false)
	if noReplay.Pending() != 0 {
		t.Fatalf("replay=false should start empty")
	}
}

func TestRecentReturnsNewestOldestFirst(t *testing.T) {
	b := New(small(4))
	for i := 1; i <= 6; i++ {
		b.Publish(ClassVolatility, models.AssetETH, i)
	}
	got := b.Recent(ClassVolatility, 2)
	if len(got) != 2 || got[0].Payload != 5 || got[1].Payload != 6 {
		t.Fatalf("recent=%v", got)
	}
	if all := b.Recent(ClassVolatility, 100); len(all) != 4 {
		t.Fatalf("recent all len=%d want 4", len(all))
	}
	if b.Recent(ClassCrash, 5) == nil {
		// empty slice, not nil, for a known class
		t.Fatalf("recent crash should be empty slice")
	}
}

func TestHeartbeatsCollapseAndYieldToData(t *testing.T) {
	b := New(DefaultConfig())
	s, _ := b.Subscribe(nil, false)

	b.Beat()
	b.Beat()
	b.Publish(ClassPrice, models.AssetBTC, 1)

	if ev := next(t, s); ev.Class != ClassPrice {
		t.Fatalf("data should come before heartbeat, got %s", ev.Class)
	}
	if ev := next(t, s); ev.Class != ClassHeartbeat {
		t.Fatalf("want heartbeat, got %s", ev.Class)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); err == nil {
		t.Fatalf("second heartbeat should have collapsed")
	}
}

func TestRunHeartbeatStopsWithContext(t *testing.T) {
	b := New(Config{HeartbeatInterval: 5 * time.Millisecond})
	s, _ := b.Subscribe(nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.RunHeartbeat(ctx)
		close(done)
	}()

	if ev := next(t, s); ev.Class != ClassHeartbeat {
		t.Fatalf("want heartbeat, got %s", ev.Class)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunHeartbeat did not stop")
	}
}

func TestUnknownClassRejected(t *testing.T) {
	b := New(DefaultConfig())
	if _, err := b.Publish(ClassHeartbeat, models.AssetBTC, nil); err == nil {
		t.Fatalf("heartbeat publish should fail")
	}
	if _, err := b.Subscribe([]Class{"bogus"}, false); err == nil {
		t.Fatalf("bogus class should fail")
	}
	if _, err := ParseClass("crash"); err != nil {
		t.Fatalf("parse crash: %v", err)
	}
}
