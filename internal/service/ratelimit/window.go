package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window is a sliding-window limiter: at most limit calls are recorded in any
// period-long interval. Callers over the limit wait until the oldest call ages out.
type Window struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	calls  []time.Time // ascending

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// WithWaiter replaces the timer based wait.
func WithWaiter(wait func(ctx context.Context, d time.Duration) error) WindowOption {
	return func(w *Window) { w.wait = wait }
}

// NewWindow creates a limiter allowing limit calls per period.
func NewWindow(limit int, period time.Duration, opts ...WindowOption) (*Window, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", period)
	}
	w := &Window{
		limit:  limit,
		period: period,
		calls:  make([]time.Time, 0, limit),
		now:    time.Now,
		wait:   Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Acquire blocks until a slot is free, records the call and returns.
// The only error is ctx cancellation while waiting.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.calls) < w.limit {
			w.calls = append(w.calls, now)
			w.mu.Unlock()
			return nil
		}
		d := w.period - now.Sub(w.calls[0])
		w.mu.Unlock()

		if d <= 0 {
			continue
		}
		if err := w.wait(ctx, d); err != nil {
			return err
		}
	}
}

// Len returns the number of calls currently inside the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.calls)
}

// prune drops calls that are a full period old. Caller holds mu.
func (w *Window) prune(now time.Time) {
	i := 0
	for i < len(w.calls) && now.Sub(w.calls[i]) >= w.period {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
