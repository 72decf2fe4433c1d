package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	applogger "FinPulse/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var (
	consumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finpulse",
			Subsystem: "kafka_consumer",
			Name:      "messages_total",
			Help:      "Consumed messages by outcome",
		},
		[]string{"topic", "result"},
	)
	consumerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finpulse",
			Subsystem: "kafka_consumer",
			Name:      "handle_seconds",
			Help:      "Handling time per message, retries included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
	consumerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "finpulse",
			Subsystem: "kafka_consumer",
			Name:      "queue_depth",
			Help:      "Fetched messages waiting for a worker",
		},
		[]string{"worker"},
	)
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads registered topics in one consumer group and hands messages
// to a worker pool. Messages of one partition are handled in order by the
// same worker, and offsets are committed only after handling.
type Consumer struct {
	cfg    ConsumerConfig
	logger *applogger.Logger
	hook   ConsumerHook

	handlers  map[string]MessageHandler
	readers   map[string]reader
	newReader func(topic string) reader
	dlq       writer

	queues   []chan kafka.Message
	cancel   context.CancelFunc
	fetchWg  sync.WaitGroup
	workerWg sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := ConsumerConfig{
		GroupID:     "finpulse",
		StartOffset: "earliest",
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: brokers are required")
	}

	lgr := cfg.Logger
	if lgr == nil {
		lgr = applogger.Nop()
	}
	c := &Consumer{
		cfg:      cfg,
		logger:   lgr,
		hook:     NoopHook{},
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]reader),
	}
	c.newReader = c.openReader
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return c, nil
}

func (c *Consumer) openReader(topic string) reader {
	start := kafka.FirstOffset
	if c.cfg.StartOffset == "latest" {
		start = kafka.LastOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		Topic:       topic,
		GroupID:     c.cfg.GroupID,
		MinBytes:    c.cfg.MinBytes,
		MaxBytes:    c.cfg.MaxBytes,
		StartOffset: start,
	})
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// RegisterHandler registers the handler for its topic. Call before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.logger.Warn("kafka handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// Start opens one reader per registered topic and launches the workers.
func (c *Consumer) Start() error {
	if c.started {
		return fmt.Errorf("kafka consumer already started")
	}
	if len(c.handlers) == 0 {
		return fmt.Errorf("kafka consumer: no handlers registered")
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.queues = make([]chan kafka.Message, c.cfg.WorkerCount)
	for i := range c.queues {
		c.queues[i] = make(chan kafka.Message, c.cfg.BufferSize)
		c.workerWg.Add(1)
		go c.worker(ctx, i)
	}

	for topic := range c.handlers {
		r := c.newReader(topic)
		c.readers[topic] = r
		c.fetchWg.Add(1)
		go c.fetch(ctx, topic, r)
	}

	c.logger.Info("kafka consumer started",
		applogger.String("group", c.cfg.GroupID),
		applogger.Int("workers", c.cfg.WorkerCount))
	return nil
}

// Stop stops fetching, lets workers drain what was already fetched, then
// closes the readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if !c.started {
			return
		}
		c.cancel()
		c.fetchWg.Wait()
		for _, q := range c.queues {
			close(q)
		}

		done := make(chan struct{})
		go func() {
			c.workerWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer stop: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.logger.Warn("close reader", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.logger.Warn("close dlq writer", applogger.Error(cerr))
			}
		}
		c.logger.Info("kafka consumer stopped")
	})
	return err
}

func (c *Consumer) fetch(ctx context.Context, topic string, r reader) {
	defer c.fetchWg.Done()
	failures := 0
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("kafka fetch", applogger.String("topic", topic), applogger.Error(err))
			if !sleepCtx(ctx, backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, failures)) {
				return
			}
			continue
		}
		failures = 0

		idx := workerFor(km.Topic, km.Partition, len(c.queues))
		select {
		case c.queues[idx] <- km:
			consumerQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(c.queues[idx])))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, idx int) {
	defer c.workerWg.Done()
	for km := range c.queues[idx] {
		c.process(ctx, km)
	}
}

// process handles one message and decides whether its offset may be committed.
func (c *Consumer) process(ctx context.Context, km kafka.Message) {
	h, ok := c.handlers[km.Topic]
	if !ok {
		return
	}

	start := time.Now()
	attempts, err := c.handleWithRetry(ctx, h, km)
	consumerLatency.WithLabelValues(km.Topic).Observe(time.Since(start).Seconds())

	commit := false
	switch {
	case err == nil:
		consumerMessages.WithLabelValues(km.Topic, "ok").Inc()
		commit = true
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// left uncommitted, redelivered after restart
		consumerMessages.WithLabelValues(km.Topic, "aborted").Inc()
	case c.dlq != nil:
		if derr := c.deadLetter(km, attempts, err); derr != nil {
			c.logger.Error("dead-letter write failed",
				applogger.String("topic", km.Topic),
				applogger.Int64("offset", km.Offset),
				applogger.Error(derr))
			consumerMessages.WithLabelValues(km.Topic, "error").Inc()
			break
		}
		consumerMessages.WithLabelValues(km.Topic, "dead_letter").Inc()
		commit = true
	default:
		c.logger.Error("kafka message failed",
			applogger.String("topic", km.Topic),
			applogger.Int("partition", km.Partition),
			applogger.Int64("offset", km.Offset),
			applogger.Int("attempts", attempts),
			applogger.Error(err))
		consumerMessages.WithLabelValues(km.Topic, "error").Inc()
	}

	if commit {
		if r := c.readers[km.Topic]; r != nil {
			_ = c.commitWithRetry(r, km, 3)
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, h MessageHandler, km kafka.Message) (int, error) {
	for attempt := 1; ; attempt++ {
		hctx, hmsg, data, err := c.hook.BeforeHandle(context.WithoutCancel(ctx), km.Topic, km, km.Value)
		if err == nil {
			err = safeHandle(hctx, h, data)
			c.hook.AfterHandle(hctx, km.Topic, hmsg, data, err)
		}
		if err == nil {
			return attempt, nil
		}
		c.hook.OnError(hctx, km.Topic, hmsg, data, err)
		if attempt > c.cfg.RetryMax {
			return attempt, err
		}
		if !sleepCtx(ctx, backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return attempt, err
		}
	}
}

func safeHandle(ctx context.Context, h MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Code: "ERR_PANIC", Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return h.Handle(ctx, data)
}

func (c *Consumer) deadLetter(km kafka.Message, attempts int, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.dlq.WriteMessages(ctx, kafka.Message{
		Key:   km.Key,
		Value: km.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(km.Topic)},
			{Key: "source_partition", Value: []byte(strconv.Itoa(km.Partition))},
			{Key: "source_offset", Value: []byte(strconv.FormatInt(km.Offset, 10))},
			{Key: "attempts", Value: []byte(strconv.Itoa(attempts))},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
}

// commitWithRetry commits a single message offset with bounded retries.
func (c *Consumer) commitWithRetry(r reader, km kafka.Message, max int) error {
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.logger.Error("kafka commit failed",
		applogger.String("topic", km.Topic),
		applogger.Int64("offset", km.Offset),
		applogger.Error(err))
	return err
}

func workerFor(topic string, partition, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte{byte(partition >> 24), byte(partition >> 16), byte(partition >> 8), byte(partition)})
	return int(h.Sum32() % uint32(n))
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	// up to 50% jitter below d
	if half := int64(d) / 2; half > 0 {
		d -= time.Duration(rand.Int63n(half))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
