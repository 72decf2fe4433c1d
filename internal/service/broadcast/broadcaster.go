package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"FinPulse/internal/domain/models"
	drepo "FinPulse/internal/domain/repository"
	"FinPulse/pkg/logger"
)

// Config sizes the per-class rings and subscriber queues.
type Config struct {
	HistorySize       map[Class]int
	QueueSize         map[Class]int
	HeartbeatInterval time.Duration
}

// DefaultConfig keeps 100 price and 50 volatility/crash events.
func DefaultConfig() Config {
	sizes := map[Class]int{ClassPrice: 100, ClassVolatility: 50, ClassCrash: 50}
	queues := make(map[Class]int, len(sizes))
	for k, v := range sizes {
		queues[k] = v
	}
	return Config{HistorySize: sizes, QueueSize: queues, HeartbeatInterval: time.Second}
}

// Broadcaster fans events out to independent subscribers and keeps a short
// history per class for late joiners.
type Broadcaster struct {
	mu      sync.RWMutex
	cfg     Config
	seq     uint64
	nextID  uint64
	history map[Class]*queue
	subs    map[uint64]*Subscription
	closed  bool

	metrics drepo.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

// Option configures Broadcaster.
type Option func(*Broadcaster)

func WithMetrics(m drepo.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// New creates a Broadcaster. Missing sizes fall back to the defaults.
func New(cfg Config, opts ...Option) *Broadcaster {
	def := DefaultConfig()
	if cfg.HistorySize == nil {
		cfg.HistorySize = map[Class]int{}
	}
	if cfg.QueueSize == nil {
		cfg.QueueSize = map[Class]int{}
	}
	for _, c := range Classes() {
		if cfg.HistorySize[c] <= 0 {
			cfg.HistorySize[c] = def.HistorySize[c]
		}
		if cfg.QueueSize[c] <= 0 {
			cfg.QueueSize[c] = def.QueueSize[c]
		}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	b := &Broadcaster{
		cfg:     cfg,
		history: make(map[Class]*queue, 3),
		subs:    make(map[uint64]*Subscription),
		logger:  logger.Nop(),
		now:     time.Now,
	}
	for _, c := range Classes() {
		b.history[c] = newQueue(cfg.HistorySize[c])
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event to its class history and every interested
// subscriber queue. It never blocks on subscribers.
func (b *Broadcaster) Publish(class Class, asset models.Asset, payload any) (Event, error) {
	h, ok := b.history[class]
	if !ok {
		return Event{}, fmt.Errorf("publish: unknown class %q", class)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, ErrClosed
	}
	b.seq++
	ev := Event{Seq: b.seq, Class: class, Asset: asset, Payload: payload, At: b.now()}
	h.push(ev)
	for _, s := range b.subs {
		s.push(ev)
	}
	return ev, nil
}

// Subscribe registers a new consumer for classes (all data classes when
// empty). With replay the current history is queued first.
func (b *Broadcaster) Subscribe(classes []Class, replay bool) (*Subscription, error) {
	if len(classes) == 0 {
		classes = Classes()
	}
	for _, c := range classes {
		if _, ok := b.history[c]; !ok {
			return nil, fmt.Errorf("subscribe: unknown class %q", c)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s := newSubscription(b.nextID, b.cfg.QueueSize, classes, b.recordDrop)
	if replay {
		for _, ev := range b.replayLocked(classes) {
			s.push(ev)
		}
	}
	b.subs[s.id] = s
	b.logger.Debug("subscriber added", logger.Int64("id", int64(s.id)), logger.Int("total", len(b.subs)))
	return s, nil
}

// Unsubscribe removes s and discards its queue. Pending Next calls return ErrClosed.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.id)
	n := len(b.subs)
	b.mu.Unlock()
	s.close()
	b.logger.Debug("subscriber removed", logger.Int64("id", int64(s.id)), logger.Int("total", n))
}

// Recent returns up to n newest events of class, oldest first.
func (b *Broadcaster) Recent(class Class, n int) []Event {
	h, ok := b.history[class]
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return h.last(n)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// RunHeartbeat marks a heartbeat on every subscription each interval until
// ctx ends. Unread heartbeats collapse into one.
func (b *Broadcaster) RunHeartbeat(ctx context.Context) {
	t := time.NewTicker(b.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Beat()
		}
	}
}

// Beat marks one heartbeat on every subscription.
func (b *Broadcaster) Beat() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.beat()
	}
}

// Close terminates every subscription and rejects further publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.logger.Info("broadcaster closed", logger.Int("subscribers", len(subs)))
}

func (b *Broadcaster) replayLocked(classes []Class) []Event {
	var out []Event
	for _, c := range classes {
		out = append(out, b.history[c].last(-1)...)
	}
	// merge by seq; histories are short so insertion sort is fine
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Seq < out[j-1].Seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (b *Broadcaster) recordDrop(c Class) {
	if b.metrics != nil {
		b.metrics.RecordDropped(string(c))
	}
}
