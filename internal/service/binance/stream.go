package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
	"FinPulse/internal/service/ratelimit"
	"FinPulse/pkg/logger"

	"github.com/gorilla/websocket"
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config holds connection settings.
type Config struct {
	URL            string        // full combined stream URL
	ReconnectDelay time.Duration // fixed wait between attempts
	PingInterval   time.Duration
	ReadTimeout    time.Duration // silence after which the connection is considered dead
}

// Client keeps one connection to the trade feed alive until its context ends.
type Client struct {
	cfg     Config
	dialer  Dialer
	logger  *logger.Logger
	metrics drepo.Metrics
	wait    func(ctx context.Context, d time.Duration) error
	onState func(models.StreamState)

	state    atomic.Int32
	sessions atomic.Int64
}

// Option configures Client.
type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithMetrics(m drepo.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStateHook is called synchronously on every state transition.
func WithStateHook(fn func(models.StreamState)) Option {
	return func(c *Client) { c.onState = fn }
}

// New creates a stream client.
func New(cfg Config, lgr *logger.Logger, opts ...Option) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	c := &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: lgr,
		wait:   ratelimit.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() models.StreamState {
	return models.StreamState(c.state.Load())
}

// Sessions returns how many connections were established so far.
func (c *Client) Sessions() int64 { return c.sessions.Load() }

// Run connects, streams ticks into sink and reconnects after any failure
// until ctx is cancelled. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context, sink chan<- models.Tick) error {
	defer c.setState(models.StateStopped)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(models.StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("feed dial failed",
				logger.String("url", c.cfg.URL),
				logger.Int("attempt", attempt),
				logger.Error(err))
			c.recordError("stream_dial")
		} else {
			attempt = 0
			c.sessions.Add(1)
			c.setState(models.StateConnected)
			c.logger.Info("feed connected", logger.String("url", c.cfg.URL))

			err = c.session(ctx, conn, sink)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("feed disconnected", logger.Error(err))
			c.recordError("stream_disconnect")
		}

		c.setState(models.StateReconnectWait)
		if err := c.wait(ctx, c.cfg.ReconnectDelay); err != nil {
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn, sink chan<- models.Tick) error {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)

	// Closing the connection is the only way to unblock ReadMessage.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					c.logger.Debug("feed ping failed", logger.Error(err))
					return
				}
			}
		}
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed read: %w", err)
		}
		_ = extend()

		tick, err := DecodeTick(b)
		if err != nil {
			if errors.Is(err, ErrNotTrade) {
				continue
			}
			c.logger.Warn("feed frame dropped", logger.Error(err), logger.Int("bytes", len(b)))
			c.recordError("feed_parse")
			continue
		}
		select {
		case sink <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setState(s models.StreamState) {
	if models.StreamState(c.state.Swap(int32(s))) == s {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordStreamState(s.String())
	}
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) recordError(kind string) {
	if c.metrics != nil {
		c.metrics.RecordError(kind)
	}
}

var _ drepo.TickStream = (*Client)(nil)
