package broadcast

import (
	"fmt"
	"time"

	"FinPulse/internal/domain/models"
)

// Class is the category of an event.
type Class string

const (
	ClassPrice      Class = "price"
	ClassVolatility Class = "volatility"
	ClassCrash      Class = "crash"
	// ClassHeartbeat is synthetic: never stored, never queued.
	ClassHeartbeat Class = "heartbeat"
)

// Classes lists the data classes in a stable order.
func Classes() []Class { return []Class{ClassPrice, ClassVolatility, ClassCrash} }

// ParseClass validates a data class name.
func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case ClassPrice, ClassVolatility, ClassCrash:
		return c, nil
	}
	return "", fmt.Errorf("unknown event class %q", s)
}

// Event is a published item. Seq is global and strictly increasing.
type Event struct {
	Seq     uint64
	Class   Class
	Asset   models.Asset
	Payload any
	At      time.Time
}

// queue is a bounded FIFO that evicts its oldest entry when full.
type queue struct {
	buf  []Event
	head int
	n    int
}

func newQueue(size int) *queue { return &queue{buf: make([]Event, size)} }

// push appends ev and reports whether an older event was evicted.
func (q *queue) push(ev Event) bool {
	evicted := false
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		evicted = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = ev
	q.n++
	return evicted
}

func (q *queue) peek() (Event, bool) {
	if q.n == 0 {
		return Event{}, false
	}
	return q.buf[q.head], true
}

func (q *queue) pop() (Event, bool) {
	ev, ok := q.peek()
	if !ok {
		return ev, false
	}
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return ev, true
}

// last returns up to n newest events, oldest first.
func (q *queue) last(n int) []Event {
	if n > q.n || n < 0 {
		n = q.n
	}
	out := make([]Event, 0, n)
	for i := q.n - n; i < q.n; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	return out
}

func (q *queue) len() int { return q.n }
