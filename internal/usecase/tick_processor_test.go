package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"FinPulse/internal/domain/models"
	"FinPulse/pkg/metrics"
)

type memEvents struct {
	crashes []models.CrashEvent
}

func (m *memEvents) StoreCrash(_ context.Context, e models.CrashEvent) error {
	m.crashes = append(m.crashes, e)
	return nil
}

func (m *memEvents) RecentCrashes(context.Context, models.Asset, int) ([]models.CrashEvent, error) {
	return m.crashes, nil
}

func sampleTick() models.Tick {
	return models.Tick{Asset: models.AssetSOL, Price: 150.25, Quantity: 3, Timestamp: time.UnixMilli(1700000000123).UTC()}
}

func TestTickProcessorRoutesByBackend(t *testing.T) {
	pub := &memPublisher{}
	store := &memTicks{}
	ctx := context.Background()

	if err := NewTickProcessor(pub, store, metrics.Nop{}, BackendKafka).Process(ctx, sampleTick()); err != nil {
		t.Fatalf("kafka: %v", err)
	}
	if err := NewTickProcessor(pub, store, metrics.Nop{}, BackendClickHouse).ProcessBatch(ctx, []models.Tick{sampleTick(), sampleTick()}); err != nil {
		t.Fatalf("clickhouse: %v", err)
	}
	if len(pub.published) != 1 || len(store.all()) != 2 {
		t.Fatalf("published=%d stored=%d", len(pub.published), len(store.all()))
	}
	if err := NewTickProcessor(pub, store, metrics.Nop{}, "s3").Process(ctx, sampleTick()); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

func TestKafkaTicksHandlerStoresDecodedTick(t *testing.T) {
	store := &memTicks{}
	h := NewKafkaTicksHandler("ticks", store, metrics.Nop{})
	b, _ := json.Marshal(sampleTick().Message())

	if err := h.Handle(context.Background(), b); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := store.all()
	if len(got) != 1 || !got[0].Timestamp.Equal(sampleTick().Timestamp) || got[0].Asset != models.AssetSOL {
		t.Fatalf("stored=%+v", got)
	}
	if err := h.Handle(context.Background(), []byte("{")); err == nil {
		t.Fatalf("malformed message should fail")
	}
	if err := h.Handle(context.Background(), []byte(`{"symbol":"DOGEUSDT","price":1,"ts":1}`)); err == nil {
		t.Fatalf("unknown asset should fail")
	}
}

func TestCrashEventsHandlerPersists(t *testing.T) {
	store := &memEvents{}
	h := NewCrashEventsHandler("crashes", store, metrics.Nop{})
	ev := models.CrashEvent{
		Asset:        models.AssetETH,
		MagnitudePct: 1.5,
		CurrentPrice: 2955,
		PeakPrice:    3000,
		PriceDropAbs: 45,
		Timestamp:    time.UnixMilli(1700000000456).UTC(),
		BufferSize:   120,
	}
	b, _ := json.Marshal(ev.Payload())

	if err := h.Handle(context.Background(), b); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.crashes) != 1 {
		t.Fatalf("stored=%d want 1", len(store.crashes))
	}
	got := store.crashes[0]
	if !got.Timestamp.Equal(ev.Timestamp) || got.Asset != ev.Asset || got.PeakPrice != ev.PeakPrice || got.BufferSize != ev.BufferSize {
		t.Fatalf("stored=%+v want %+v", got, ev)
	}
}

type queryTicks struct {
	memTicks
	from, to time.Time
	limit    int
}

func (q *queryTicks) Query(_ context.Context, a models.Asset, from, to time.Time, limit int) ([]models.Tick, error) {
	q.from, q.to, q.limit = from, to, limit
	return []models.Tick{{Asset: a, Price: 10, Timestamp: to}}, nil
}

func TestTicksQueryClampsAndConverts(t *testing.T) {
	store := &queryTicks{}
	q := NewTicksQuery(store, &memEvents{crashes: []models.CrashEvent{{Asset: models.AssetBTC, Timestamp: time.Now()}}})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	res, err := q.GetTicks(context.Background(), GetTicksParams{Asset: models.AssetBTC, Limit: 1e6})
	if err != nil {
		t.Fatalf("get ticks: %v", err)
	}
	if store.limit != 50000 || !store.from.Equal(now.Add(-time.Hour)) {
		t.Fatalf("limit=%d from=%v", store.limit, store.from)
	}
	if res.Count != 1 || res.Ticks[0].Type != "price_update" {
		t.Fatalf("res=%+v", res)
	}
	if _, err := q.GetTicks(context.Background(), GetTicksParams{Asset: "DOGE"}); err == nil {
		t.Fatalf("unknown asset should fail")
	}

	crashes, err := q.Crashes(context.Background(), "", 0)
	if err != nil || len(crashes) != 1 || crashes[0].Type != models.CrashEventType {
		t.Fatalf("crashes=%v err=%v", crashes, err)
	}
}
