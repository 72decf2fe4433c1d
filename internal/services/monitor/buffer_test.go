package monitor

import (
	"math/rand"
	"testing"
	"time"
)

func TestRollingBufferCapacity(t *testing.T) {
	b, err := NewRollingBuffer(5)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	base := time.Unix(0, 0)
	for i := 0; i < 12; i++ {
		b.Push(float64(i), base.Add(time.Duration(i)*time.Second))
		want := i + 1
		if want > 5 {
			want = 5
		}
		if b.Len() != want {
			t.Fatalf("after %d pushes len=%d want %d", i+1, b.Len(), want)
		}
	}
	if b.Cap() != 5 {
		t.Fatalf("cap changed to %d", b.Cap())
	}
}

func TestRollingBufferPeakMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	b, _ := NewRollingBuffer(16)
	var all []float64
	for i := 0; i < 500; i++ {
		p := 100 + r.Float64()*10
		b.Push(p, time.Unix(int64(i), 0))
		all = append(all, p)

		start := len(all) - 16
		if start < 0 {
			start = 0
		}
		want := all[start]
		for _, v := range all[start:] {
			if v > want {
				want = v
			}
		}
		got, _, ok := b.Peak()
		if !ok || got != want {
			t.Fatalf("step %d: peak %v want %v", i, got, want)
		}
	}
}

func TestRollingBufferPeakEvictsOldMax(t *testing.T) {
	b, _ := NewRollingBuffer(3)
	ts := time.Unix(0, 0)
	for _, p := range []float64{10, 5, 4, 3} {
		b.Push(p, ts)
	}
	if got, _, _ := b.Peak(); got != 5 {
		t.Fatalf("expected peak 5 after evicting 10, got %v", got)
	}
}

func TestRollingBufferResetBaseline(t *testing.T) {
	b, _ := NewRollingBuffer(10)
	ts := time.Unix(0, 0)
	b.Push(100, ts)
	b.Push(90, ts.Add(time.Second))
	b.ResetBaseline()
	if got, gotTS, _ := b.Peak(); got != 90 || !gotTS.Equal(ts.Add(time.Second)) {
		t.Fatalf("expected baseline peak 90, got %v at %v", got, gotTS)
	}
	if b.Len() != 2 {
		t.Fatalf("reset must not drop entries, len=%d", b.Len())
	}
	b.Push(95, ts.Add(2*time.Second))
	if got, _, _ := b.Peak(); got != 95 {
		t.Fatalf("expected 95, got %v", got)
	}
}

func TestNewRollingBufferRejectsZero(t *testing.T) {
	if _, err := NewRollingBuffer(0); err == nil {
		t.Fatalf("expected error")
	}
}
