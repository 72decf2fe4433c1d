package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type funcHandler struct {
	topic string
	fn    func([]byte) error
}

func (h funcHandler) Topic() string { return h.topic }

func (h funcHandler) Handle(_ context.Context, b []byte) error { return h.fn(b) }

func newTestConsumer(t *testing.T, r *fakeReader, opts ...ConsumerOption) *Consumer {
	t.Helper()
	opts = append([]ConsumerOption{
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(1, time.Millisecond, 2*time.Millisecond),
	}, opts...)
	c, err := NewConsumer(opts...)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	c.newReader = func(string) reader { return r }
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestConsumerCommitsHandledMessages(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Topic: "ticks", Offset: 1, Value: []byte("a")},
		kafka.Message{Topic: "ticks", Offset: 2, Value: []byte("b")},
	)
	c := newTestConsumer(t, r)

	var mu sync.Mutex
	var seen []string
	c.RegisterHandler(funcHandler{topic: "ticks", fn: func(b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(b))
		return nil
	}})
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(r.commits()) == 2 })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !r.closed {
		t.Fatalf("reader not closed")
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("handled %v, want in partition order", seen)
	}
}

func TestConsumerDeadLettersAfterRetries(t *testing.T) {
	r := newFakeReader(kafka.Message{Topic: "crashes", Partition: 3, Offset: 7, Value: []byte("bad")})
	c := newTestConsumer(t, r)
	dlq := &fakeWriter{}
	c.dlq = dlq

	calls := 0
	c.RegisterHandler(funcHandler{topic: "crashes", fn: func([]byte) error {
		calls++
		return errors.New("decode")
	}})

	c.readers["crashes"] = r
	c.process(context.Background(), kafka.Message{Topic: "crashes", Partition: 3, Offset: 7, Value: []byte("bad")})

	if calls != 2 {
		t.Fatalf("handled %d times, want 2", calls)
	}
	if len(dlq.msgs) != 1 {
		t.Fatalf("dlq got %d messages", len(dlq.msgs))
	}
	headers := map[string]string{}
	for _, h := range dlq.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["source_topic"] != "crashes" || headers["source_offset"] != "7" || headers["attempts"] != "2" {
		t.Fatalf("headers %v", headers)
	}
	if got := r.commits(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("commits %v", got)
	}
}

func TestConsumerLeavesFailedMessageUncommittedWithoutDLQ(t *testing.T) {
	r := newFakeReader()
	c := newTestConsumer(t, r)
	c.RegisterHandler(funcHandler{topic: "ticks", fn: func([]byte) error { panic("boom") }})
	c.readers["ticks"] = r

	c.process(context.Background(), kafka.Message{Topic: "ticks", Offset: 1})
	if got := r.commits(); len(got) != 0 {
		t.Fatalf("commits %v, want none", got)
	}
}

func TestHookChainOrderAndPanicSafety(t *testing.T) {
	var order []string
	mk := func(name string) ConsumerHook {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, d []byte) (context.Context, kafka.Message, []byte, error) {
				order = append(order, "before:"+name)
				return ctx, km, d, nil
			},
			After: func(context.Context, string, kafka.Message, []byte, error) {
				order = append(order, "after:"+name)
			},
		}
	}
	panicky := HookFuncs{After: func(context.Context, string, kafka.Message, []byte, error) { panic("x") }}
	chain := NewHookChain(mk("a"), nil, panicky, mk("b"))

	ctx, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	chain.AfterHandle(ctx, "t", kafka.Message{}, nil, nil)

	want := []string{"before:a", "before:b", "after:b", "after:a"}
	if len(order) != len(want) {
		t.Fatalf("order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}

	bad := NewHookChain(HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
		panic("before")
	}})
	_, _, _, err = bad.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	var he *HookError
	if !errors.As(err, &he) || he.Code != "ERR_PANIC" {
		t.Fatalf("want ERR_PANIC, got %v", err)
	}
}

func TestTraceHookReadsHeader(t *testing.T) {
	km := kafka.Message{Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc")}}}
	ctx, _, _, _ := TraceHook{}.BeforeHandle(context.Background(), "t", km, nil)
	if TraceIDFrom(ctx) != "abc" {
		t.Fatalf("trace id %q", TraceIDFrom(ctx))
	}
	if _, ok := StartTimeFrom(ctx); !ok {
		t.Fatalf("start time missing")
	}
}

func TestWorkerForIsStable(t *testing.T) {
	for p := 0; p < 16; p++ {
		a := workerFor("ticks", p, 4)
		if a < 0 || a >= 4 || a != workerFor("ticks", p, 4) {
			t.Fatalf("partition %d -> %d", p, a)
		}
	}
	if workerFor("ticks", 9, 1) != 0 {
		t.Fatalf("single worker must be 0")
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for attempt := 1; attempt < 8; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 80*time.Millisecond, attempt)
		if d <= 0 || d > 80*time.Millisecond {
			t.Fatalf("attempt %d: %v", attempt, d)
		}
	}
}

func TestProducerEncodesAndCounts(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, now: time.Now}

	err := p.PublishBatch(context.Background(), "ticks", []Message{
		{Key: []byte("BTC"), Value: map[string]float64{"p": 1}},
		{Key: []byte("ETH"), Value: "raw", Headers: map[string]string{"trace_id": "t1"}},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 || string(w.msgs[0].Value) != `{"p":1}` || string(w.msgs[1].Value) != "raw" {
		t.Fatalf("written %+v", w.msgs)
	}
	if w.msgs[1].Headers[0].Key != "trace_id" || w.msgs[0].Topic != "ticks" {
		t.Fatalf("message metadata %+v", w.msgs[1])
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), "ticks", nil, "x"); err == nil {
		t.Fatalf("want write error")
	}
	if _, err := NewProducer(); err == nil {
		t.Fatalf("missing brokers should fail")
	}
}
