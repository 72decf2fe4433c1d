package usecase

import (
	"context"
	"errors"
	"sync"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
	"FinPulse/pkg/logger"
)

// TickHandler receives every tick from the feed, in order.
type TickHandler interface {
	Process(ctx context.Context, t models.Tick) error
}

// FeedCollector owns the live feed: it runs the stream, dispatches ticks to
// the pipeline from a single goroutine and remembers the latest price per asset.
type FeedCollector struct {
	stream  drepo.TickStream
	handler TickHandler
	metrics drepo.Metrics
	logger  *logger.Logger

	sinkSize int

	mu     sync.RWMutex
	prices map[models.Asset]models.Tick

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeedCollector creates a new FeedCollector instance.
func NewFeedCollector(stream drepo.TickStream, handler TickHandler, metrics drepo.Metrics, lgr *logger.Logger) *FeedCollector {
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &FeedCollector{
		stream:   stream,
		handler:  handler,
		metrics:  metrics,
		logger:   lgr,
		sinkSize: 1024,
		prices:   make(map[models.Asset]models.Tick),
	}
}

// IsConnected returns true if the feed is connected.
func (c *FeedCollector) IsConnected() bool {
	return c.stream.State() == models.StateConnected
}

// State returns the feed state.
func (c *FeedCollector) State() models.StreamState { return c.stream.State() }

// Start launches the stream and the dispatch goroutine. It returns immediately.
func (c *FeedCollector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	sink := make(chan models.Tick, c.sinkSize)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(sink)
		if err := c.stream.Run(ctx, sink); err != nil && !errors.Is(err, context.Canceled) {
			c.metrics.RecordError("stream")
			c.logger.Error("feed stopped", logger.Error(err))
		}
	}()
	go func() {
		defer c.wg.Done()
		c.dispatch(ctx, sink)
	}()
	return nil
}

func (c *FeedCollector) dispatch(ctx context.Context, sink <-chan models.Tick) {
	for t := range sink {
		if t.Validate() != nil {
			c.metrics.RecordError("feed_invalid_tick")
			continue
		}
		c.mu.Lock()
		if prev, ok := c.prices[t.Asset]; !ok || !t.Timestamp.Before(prev.Timestamp) {
			c.prices[t.Asset] = t
		}
		c.mu.Unlock()

		if c.handler == nil {
			continue
		}
		if err := c.handler.Process(ctx, t); err != nil {
			c.logger.Debug("tick rejected", logger.String("asset", t.Asset.String()), logger.Error(err))
		}
	}
}

// Price returns the latest tick seen for asset.
func (c *FeedCollector) Price(asset models.Asset) (models.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.prices[asset]
	return t, ok
}

// Prices returns the latest tick per asset.
func (c *FeedCollector) Prices() map[models.Asset]models.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.Asset]models.Tick, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// Shutdown stops the feed and waits for the dispatch goroutine.
func (c *FeedCollector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
