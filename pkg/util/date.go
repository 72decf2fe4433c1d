package util

import (
	"strconv"
	"time"
)

// naive ISO-8601 layouts without a zone; interpreted as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime tries RFC3339, RFC3339Nano, naive ISO-8601 (UTC), and unix
// seconds or milliseconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return FromUnixAuto(ts), true
	}
	return time.Time{}, false
}

// FromUnixAuto treats values above 1e11 as milliseconds.
func FromUnixAuto(ts int64) time.Time {
	if ts > 1e11 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// DaysBack returns the start of a window of n days ending at now.
func DaysBack(now time.Time, n int) time.Time {
	if n <= 0 {
		return now
	}
	return now.Add(-time.Duration(n) * 24 * time.Hour)
}
