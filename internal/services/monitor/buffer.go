package monitor

import (
	"fmt"
	"time"
)

type point struct {
	seq   uint64
	price float64
	ts    time.Time
}

// RollingBuffer keeps the last Cap prices in arrival order and answers the
// peak since the last baseline reset in O(1).
type RollingBuffer struct {
	ring []point
	head int // index of the oldest entry
	n    int
	next uint64

	// maxq holds candidate peaks with strictly decreasing prices and
	// increasing seq; only entries at or after the baseline are admitted.
	maxq []point
}

// NewRollingBuffer creates a buffer holding at most capacity prices.
func NewRollingBuffer(capacity int) (*RollingBuffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	return &RollingBuffer{ring: make([]point, capacity)}, nil
}

// Push appends a price, evicting the oldest one at capacity.
func (b *RollingBuffer) Push(price float64, ts time.Time) {
	if b.n == len(b.ring) {
		old := b.ring[b.head]
		if len(b.maxq) > 0 && b.maxq[0].seq == old.seq {
			b.maxq = b.maxq[1:]
		}
		b.head = (b.head + 1) % len(b.ring)
		b.n--
	}
	p := point{seq: b.next, price: price, ts: ts}
	b.next++
	b.ring[(b.head+b.n)%len(b.ring)] = p
	b.n++

	for len(b.maxq) > 0 && b.maxq[len(b.maxq)-1].price <= price {
		b.maxq = b.maxq[:len(b.maxq)-1]
	}
	b.maxq = append(b.maxq, p)
}

// Peak returns the highest retained price since the last reset.
func (b *RollingBuffer) Peak() (price float64, ts time.Time, ok bool) {
	if len(b.maxq) == 0 {
		return 0, time.Time{}, false
	}
	return b.maxq[0].price, b.maxq[0].ts, true
}

func (b *RollingBuffer) peakSeq() uint64 { return b.maxq[0].seq }

func (b *RollingBuffer) lastSeq() uint64 { return b.next - 1 }

// ResetBaseline makes the most recent price the only peak candidate.
// Older entries stay in the buffer but no longer count towards the peak.
func (b *RollingBuffer) ResetBaseline() {
	if b.n == 0 {
		b.maxq = b.maxq[:0]
		return
	}
	last := b.ring[(b.head+b.n-1)%len(b.ring)]
	b.maxq = append(b.maxq[:0], last)
}

func (b *RollingBuffer) Len() int { return b.n }

func (b *RollingBuffer) Cap() int { return len(b.ring) }
