package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Next once the subscription is gone.
var ErrClosed = errors.New("subscription closed")

// Subscription is one consumer's view of the broadcaster: a bounded queue per
// subscribed class. Slow readers lose their oldest events, never block anyone.
type Subscription struct {
	id uint64

	mu        sync.Mutex
	queues    map[Class]*queue
	dropped   map[Class]int
	heartbeat bool
	closed    bool

	notify chan struct{}
	done   chan struct{}
	onDrop func(Class)
}

func newSubscription(id uint64, sizes map[Class]int, classes []Class, onDrop func(Class)) *Subscription {
	s := &Subscription{
		id:      id,
		queues:  make(map[Class]*queue, len(classes)),
		dropped: make(map[Class]int, len(classes)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onDrop:  onDrop,
	}
	for _, c := range classes {
		s.queues[c] = newQueue(sizes[c])
	}
	return s
}

func (s *Subscription) ID() uint64 { return s.id }

// Wants reports whether the subscription receives class c.
func (s *Subscription) Wants(c Class) bool {
	_, ok := s.queues[c]
	return ok
}

// Next blocks until an event is available, ctx ends, or the subscription is
// closed. Data events come out in publish order; a pending heartbeat is only
// returned when no data is queued.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		if ev, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrClosed
		case <-s.notify:
		}
	}
}

// Dropped returns how many events of class c were evicted from this subscription.
func (s *Subscription) Dropped(c Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[c]
}

// Pending returns the number of queued data events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += q.len()
	}
	return n
}

func (s *Subscription) popLocked() (Event, bool) {
	var best *queue
	var bestSeq uint64
	for _, q := range s.queues {
		if ev, ok := q.peek(); ok && (best == nil || ev.Seq < bestSeq) {
			best, bestSeq = q, ev.Seq
		}
	}
	if best != nil {
		return best.pop()
	}
	if s.heartbeat {
		s.heartbeat = false
		return Event{Class: ClassHeartbeat, At: time.Now()}, true
	}
	return Event{}, false
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	q, ok := s.queues[ev.Class]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	evicted := q.push(ev)
	if evicted {
		s.dropped[ev.Class]++
	}
	s.mu.Unlock()

	if evicted && s.onDrop != nil {
		s.onDrop(ev.Class)
	}
	s.wake()
}

func (s *Subscription) beat() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.heartbeat = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.queues {
		s.queues[c] = newQueue(1)
	}
	close(s.done)
}
