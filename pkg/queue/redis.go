package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"FinPulse/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// QueueMode defines the operation mode of the queue.
type QueueMode int

const (
	ModeProducerConsumer QueueMode = iota
	ModeProducerOnly
	ModeConsumerOnly
)

func (m QueueMode) String() string {
	switch m {
	case ModeProducerOnly:
		return "producer-only"
	case ModeConsumerOnly:
		return "consumer-only"
	default:
		return "producer-consumer"
	}
}

var messagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "finpulse",
		Subsystem: "queue",
		Name:      "messages_total",
		Help:      "Queue messages by type and outcome",
	},
	[]string{"type", "result"},
)

// promote moves due retries back onto the list in one step, so two
// instances never deliver the same retry twice.
var promote = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// RedisQueue is a list-backed job queue with delayed retries and a dead-letter list.
type RedisQueue struct {
	logger *logger.Logger
	config QueueConfig
	client *redis.Client
	mode   QueueMode

	keyPrefix    string
	pollTimeout  time.Duration
	retryEvery   time.Duration
	coalesce     map[string]bool
	coalesceTTL  time.Duration
	now          func() time.Time
	promoteBatch int

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets the prefix of every key the queue touches.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithPolling sets how long a worker blocks on an empty list and how often
// retries are promoted.
func WithPolling(pop, retry time.Duration) RedisQueueOption {
	return func(r *RedisQueue) {
		if pop > 0 {
			r.pollTimeout = pop
		}
		if retry > 0 {
			r.retryEvery = retry
		}
	}
}

// WithCoalesce keeps at most one pending message of each given type. Further
// enqueues are accepted and dropped until a worker picks the message up.
func WithCoalesce(ttl time.Duration, types ...string) RedisQueueOption {
	return func(r *RedisQueue) {
		for _, t := range types {
			r.coalesce[t] = true
		}
		if ttl > 0 {
			r.coalesceTTL = ttl
		}
	}
}

// NewRedisQueue creates a new Redis queue.
func NewRedisQueue(lgr *logger.Logger, config *QueueConfig, client *redis.Client, mode QueueMode, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.Nop()
	}
	cfg := QueueConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}

	rq := &RedisQueue{
		logger:       lgr,
		config:       cfg,
		client:       client,
		mode:         mode,
		keyPrefix:    "finpulse:queue",
		pollTimeout:  time.Second,
		retryEvery:   time.Second,
		coalesce:     make(map[string]bool),
		coalesceTTL:  5 * time.Minute,
		now:          time.Now,
		promoteBatch: 100,
		jobs:         make(map[string]Job),
	}
	for _, opt := range opts {
		opt(rq)
	}
	return rq
}

// RegisterJobs registers multiple jobs.
func (r *RedisQueue) RegisterJobs(jobs []Job) {
	for _, job := range jobs {
		r.RegisterJob(job)
	}
}

// RegisterJob registers a single job. The first job for a type wins.
func (r *RedisQueue) RegisterJob(job Job) {
	if r.mode == ModeProducerOnly {
		r.logger.Warn("job registration ignored in producer-only mode", logger.String("job", job.Name()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Type()]; exists {
		r.logger.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
	r.logger.Debug("job registered", logger.String("job", job.Name()), logger.String("type", job.Type()))
}

// Start pings Redis and launches the workers and the retry promoter.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("queue already running")
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	if r.mode != ModeProducerOnly {
		for i := 0; i < r.config.Workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx, i)
		}
		r.wg.Add(1)
		go r.retryLoop(ctx)
	}

	r.logger.Info("redis queue started",
		logger.Int("workers", r.config.Workers),
		logger.String("addr", r.client.Options().Addr),
		logger.String("mode", r.mode.String()))
	return nil
}

// Stop cancels polling and waits for in-flight jobs until ctx expires.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	case <-done:
		r.logger.Info("redis queue stopped")
		return nil
	}
}

// Enqueue adds a message to the queue.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.running
	_, known := r.jobs[msgType]
	r.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}
	if r.mode != ModeProducerOnly && !known {
		return fmt.Errorf("%w: %s", ErrNoJob, msgType)
	}

	if r.coalesce[msgType] {
		ok, err := r.client.SetNX(ctx, r.pendingKey(msgType), "1", r.coalesceTTL).Result()
		if err != nil {
			return fmt.Errorf("coalesce: %w", err)
		}
		if !ok {
			messagesTotal.WithLabelValues(msgType, "coalesced").Inc()
			return nil
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	seq, err := r.client.Incr(ctx, r.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	msg := Message{
		ID:        strconv.FormatInt(seq, 10),
		Type:      msgType,
		Payload:   body,
		Timestamp: r.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, r.key("messages"), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	messagesTotal.WithLabelValues(msgType, "enqueued").Inc()
	return nil
}

// PublishMessage is an alias of Enqueue.
func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return r.Enqueue(ctx, msgType, payload)
}

// Stats reports the length of the pending, retry and dead-letter keys.
func (r *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, r.key("messages"))
	retrying := pipe.ZCard(ctx, r.key("retry"))
	dead := pipe.LLen(ctx, r.key("dlq"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	return Stats{Pending: pending.Val(), Retrying: retrying.Val(), DeadLetter: dead.Val()}, nil
}

// DeadLetters returns up to n dead-lettered messages, newest first.
func (r *RedisQueue) DeadLetters(ctx context.Context, n int64) ([]Message, error) {
	raw, err := r.client.LRange(ctx, r.key("dlq"), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, s := range raw {
		var m Message
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *RedisQueue) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for ctx.Err() == nil {
		res, err := r.client.BRPop(ctx, r.pollTimeout, r.key("messages")).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.logger.Error("brpop", logger.Int("worker", id), logger.Error(err))
			sleep(ctx, r.pollTimeout)
			continue
		}
		if len(res) < 2 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			r.logger.Error("unmarshal message", logger.Error(err))
			continue
		}
		r.process(ctx, msg)
	}
}

func (r *RedisQueue) process(ctx context.Context, msg Message) {
	r.mu.RLock()
	job, ok := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error("no job for message", logger.String("type", msg.Type), logger.String("id", msg.ID))
		messagesTotal.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	if r.coalesce[msg.Type] && msg.Attempts == 0 {
		if err := r.client.Del(ctx, r.pendingKey(msg.Type)).Err(); err != nil {
			r.logger.Warn("clear pending marker", logger.Error(err))
		}
	}

	// a stopping queue lets the current job finish within its own timeout
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.JobTimeout)
	defer cancel()

	start := r.now()
	err := job.Handle(jobCtx, msg.Payload)
	if err == nil {
		messagesTotal.WithLabelValues(msg.Type, "ok").Inc()
		r.logger.Debug("job done",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Duration("elapsed", r.now().Sub(start)))
		return
	}
	r.fail(msg, job, err)
}

func (r *RedisQueue) fail(msg Message, job Job, err error) {
	msg.Attempts++
	msg.LastError = err.Error()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, merr := json.Marshal(msg)
	if merr != nil {
		r.logger.Error("marshal failed message", logger.Error(merr))
		return
	}

	if msg.Attempts > r.config.RetryLimit {
		messagesTotal.WithLabelValues(msg.Type, "dead").Inc()
		r.logger.Error("job failed, dead-lettered",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Int("attempts", msg.Attempts),
			logger.Error(err))
		if err := r.client.LPush(ctx, r.key("dlq"), data).Err(); err != nil {
			r.logger.Error("lpush dlq", logger.Error(err))
		}
		return
	}

	delay := backoff(r.config.RetryDelay, r.config.MaxDelay, msg.Attempts)
	at := r.now().Add(delay)
	messagesTotal.WithLabelValues(msg.Type, "retry").Inc()
	r.logger.Warn("job failed, retrying",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts),
		logger.Duration("delay", delay),
		logger.Error(err))
	if err := r.client.ZAdd(ctx, r.key("retry"), redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err(); err != nil {
		r.logger.Error("zadd retry", logger.Error(err))
	}
}

func (r *RedisQueue) retryLoop(ctx context.Context) {
	defer r.wg.Done()
	t := time.NewTicker(r.retryEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.promoteDue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("promote retries", logger.Error(err))
			}
		}
	}
}

// promoteDue moves retries whose time has come back to the pending list.
func (r *RedisQueue) promoteDue(ctx context.Context) (int64, error) {
	return promote.Run(ctx, r.client,
		[]string{r.key("retry"), r.key("messages")},
		r.now().UnixMilli(), r.promoteBatch,
	).Int64()
}

func (r *RedisQueue) key(suffix string) string {
	return r.keyPrefix + ":" + suffix
}

func (r *RedisQueue) pendingKey(msgType string) string {
	return r.key("pending:" + msgType)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
