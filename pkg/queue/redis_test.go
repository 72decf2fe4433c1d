package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type ping struct {
	Source string `json:"source"`
}

type recordJob struct {
	mu    sync.Mutex
	calls int
	got   []string
	err   error
}

func (j *recordJob) Name() string { return "record" }

func (j *recordJob) Type() string { return "test.ping" }

func (j *recordJob) Handle(_ context.Context, payload interface{}) error {
	p, err := ParsePayload[ping](payload)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	j.got = append(j.got, p.Source)
	return j.err
}

func (j *recordJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startQueue(t *testing.T, q *RedisQueue) {
	t.Helper()
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestEnqueueRunsJob(t *testing.T) {
	job := &recordJob{}
	q := NewRedisQueue(nil, &QueueConfig{Workers: 2}, newClient(t), ModeProducerConsumer,
		WithPolling(50*time.Millisecond, 0))
	q.RegisterJob(job)
	startQueue(t, q)

	if err := q.Enqueue(context.Background(), "test.ping", ping{Source: "api"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return job.count() == 1 })
	if job.got[0] != "api" {
		t.Fatalf("payload %q", job.got[0])
	}
}

func TestFailingJobIsRetriedThenDeadLettered(t *testing.T) {
	job := &recordJob{err: errors.New("upstream down")}
	q := NewRedisQueue(nil, &QueueConfig{Workers: 1, RetryLimit: 2, RetryDelay: 10 * time.Millisecond},
		newClient(t), ModeProducerConsumer, WithPolling(50*time.Millisecond, 10*time.Millisecond))
	q.RegisterJob(job)
	startQueue(t, q)

	if err := q.Enqueue(context.Background(), "test.ping", ping{Source: "cron"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.DeadLetter == 1
	})
	if n := job.count(); n != 3 {
		t.Fatalf("handled %d times, want 3", n)
	}

	dead, err := q.DeadLetters(context.Background(), 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("dead=%v err=%v", dead, err)
	}
	if dead[0].Attempts != 3 || dead[0].LastError != "upstream down" {
		t.Fatalf("dead letter %+v", dead[0])
	}
}

func TestCoalescedTypeKeepsOnePending(t *testing.T) {
	q := NewRedisQueue(nil, nil, newClient(t), ModeProducerOnly, WithCoalesce(time.Minute, "test.ping"))
	startQueue(t, q)

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), "test.ping", ping{Source: "api"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(context.Background(), "other", ping{}); err != nil {
		t.Fatalf("enqueue other: %v", err)
	}
	st, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 2 {
		t.Fatalf("pending %d, want 2", st.Pending)
	}
}

func TestEnqueueErrors(t *testing.T) {
	q := NewRedisQueue(nil, nil, newClient(t), ModeProducerConsumer)
	if err := q.Enqueue(context.Background(), "test.ping", ping{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("before start: %v", err)
	}
	startQueue(t, q)
	if err := q.Enqueue(context.Background(), "unknown", ping{}); !errors.Is(err, ErrNoJob) {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 5*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, c := range cases {
		if got := backoff(base, max, c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload[ping]([]byte(`{"source":"x"}`))
	if err != nil || p.Source != "x" {
		t.Fatalf("bytes: %v %v", p, err)
	}
	if _, err := ParsePayload[ping](42); err == nil {
		t.Fatalf("int payload should fail")
	}
}
