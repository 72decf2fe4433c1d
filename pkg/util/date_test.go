package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UTC().Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeNaiveISO(t *testing.T) {
	got, ok := ParseTime("2024-10-10T10:10:10.250")
	if !ok {
		t.Fatalf("expected ok")
	}
	want := time.Date(2024, 10, 10, 10, 10, 10, 250*int(time.Millisecond), time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Unix() != ts {
		t.Fatalf("unexpected unix %v", got.Unix())
	}
}

func TestParseTimeUnixMillis(t *testing.T) {
	ms := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).UnixMilli() + 123
	got, ok := ParseTime(strconv.FormatInt(ms, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UnixMilli() != ms {
		t.Fatalf("unexpected millis %v", got.UnixMilli())
	}
}

func TestDaysBack(t *testing.T) {
	now := time.Date(2024, 10, 10, 0, 0, 0, 0, time.UTC)
	if got := DaysBack(now, 7); !got.Equal(now.AddDate(0, 0, -7)) {
		t.Fatalf("unexpected %v", got)
	}
	if got := DaysBack(now, 0); !got.Equal(now) {
		t.Fatalf("expected now for n=0")
	}
}
