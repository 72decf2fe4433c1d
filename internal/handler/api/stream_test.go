package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	models "FinPulse/internal/domain/models"
	"FinPulse/internal/service/broadcast"

	"github.com/labstack/echo/v4"
)

func newStreamServer(t *testing.T) (*httptest.Server, *broadcast.Broadcaster) {
	t.Helper()
	b := broadcast.New(broadcast.DefaultConfig())
	e := echo.New()
	NewStreamHandler(nil, b).RegisterRoutes(e)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return srv, b
}

type sseFrame struct {
	event string
	data  string
	beat  bool
}

func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return f
		case line == ": heartbeat":
			f.beat = true
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func waitSubscribers(t *testing.T, b *broadcast.Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", b.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamReplaysThenDeliversLiveFilteredEvents(t *testing.T) {
	srv, b := newStreamServer(t)

	early := models.CrashPayload{Asset: models.AssetBTC, Type: "VOLATILITY_CRASH", Magnitude: 0.6}
	if _, err := b.Publish(broadcast.ClassCrash, models.AssetBTC, early); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream?classes=crash&replay=true", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	if res.Header.Get("X-Accel-Buffering") != "no" || res.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("headers %v", res.Header)
	}
	waitSubscribers(t, b, 1)

	_, _ = b.Publish(broadcast.ClassPrice, models.AssetBTC, models.PriceUpdate{Type: "price_update"})
	late := models.CrashPayload{Asset: models.AssetSOL, Type: "VOLATILITY_CRASH", Magnitude: 2.4}
	_, _ = b.Publish(broadcast.ClassCrash, models.AssetSOL, late)

	r := bufio.NewReader(res.Body)
	for i, want := range []models.CrashPayload{early, late} {
		f := readFrame(t, r)
		if f.event != "crash" {
			t.Fatalf("frame %d event %q", i, f.event)
		}
		var got models.CrashPayload
		if err := json.Unmarshal([]byte(f.data), &got); err != nil {
			t.Fatalf("frame %d data: %v", i, err)
		}
		if got.Asset != want.Asset || got.Magnitude != want.Magnitude {
			t.Fatalf("frame %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestStreamWritesHeartbeatComments(t *testing.T) {
	srv, b := newStreamServer(t)

	res, err := http.Get(srv.URL + "/api/v1/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	waitSubscribers(t, b, 1)

	b.Beat()
	if f := readFrame(t, bufio.NewReader(res.Body)); !f.beat {
		t.Fatalf("want heartbeat, got %+v", f)
	}
}

func TestStreamEndsWhenBroadcasterCloses(t *testing.T) {
	srv, b := newStreamServer(t)

	res, err := http.Get(srv.URL + "/api/v1/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	waitSubscribers(t, b, 1)

	b.Close()
	done := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(res.Body).ReadString(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end after close")
	}
}

func TestStreamRejectsUnknownClass(t *testing.T) {
	srv, _ := newStreamServer(t)
	res, err := http.Get(srv.URL + "/api/v1/stream?classes=price,gossip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestRecentEvents(t *testing.T) {
	_, b := newStreamServer(t)
	for i := 0; i < 5; i++ {
		_, _ = b.Publish(broadcast.ClassCrash, models.AssetETH, models.CrashPayload{Asset: models.AssetETH, BufferSize: i})
	}
	e := echo.New()
	NewStreamHandler(nil, b).RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?class=crash&n=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var list struct {
		Rows  []models.CrashPayload `json:"rows"`
		Total int64                 `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 2 || list.Rows[0].BufferSize != 3 || list.Rows[1].BufferSize != 4 {
		t.Fatalf("recent %+v", list)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?class=gossip", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad class status %d", rec.Code)
	}
}
