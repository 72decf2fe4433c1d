package usecase

import (
	"context"
	"encoding/json"
	"time"

	"FinPulse/internal/domain/models"
	domrepo "FinPulse/internal/domain/repository"
	pkgkafka "FinPulse/pkg/kafka"
)

// KafkaTicksHandler consumes tick messages and writes them to storage.
type KafkaTicksHandler struct {
	topic   string
	storage domrepo.Storage
	metrics domrepo.Metrics
}

func NewKafkaTicksHandler(topic string, storage domrepo.Storage, metrics domrepo.Metrics) *KafkaTicksHandler {
	return &KafkaTicksHandler{topic: topic, storage: storage, metrics: metrics}
}

func (h *KafkaTicksHandler) Topic() string { return h.topic }

func (h *KafkaTicksHandler) Handle(ctx context.Context, b []byte) error {
	var m models.TickMessage
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	t, err := m.Tick()
	if err != nil {
		h.metrics.RecordError("consumer_invalid")
		return err
	}
	// trade time to now, approximate end-to-end lag
	h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(t.Timestamp).Seconds())

	start := time.Now()
	err = h.storage.Store(ctx, t)
	h.metrics.RecordLatency("ch_insert_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("consumer_store")
		return err
	}
	h.metrics.RecordMessageSent(BackendClickHouse, t.Asset.Symbol())
	return nil
}

// CrashEventsHandler consumes crash events and persists them.
type CrashEventsHandler struct {
	topic   string
	store   domrepo.EventStore
	metrics domrepo.Metrics
}

func NewCrashEventsHandler(topic string, store domrepo.EventStore, metrics domrepo.Metrics) *CrashEventsHandler {
	return &CrashEventsHandler{topic: topic, store: store, metrics: metrics}
}

func (h *CrashEventsHandler) Topic() string { return h.topic }

func (h *CrashEventsHandler) Handle(ctx context.Context, b []byte) error {
	var p models.CrashPayload
	if err := json.Unmarshal(b, &p); err != nil {
		h.metrics.RecordError("crash_unmarshal")
		return err
	}
	ev, err := p.Event()
	if err != nil {
		h.metrics.RecordError("crash_invalid")
		return err
	}
	if err := h.store.StoreCrash(ctx, ev); err != nil {
		h.metrics.RecordError("crash_store")
		return err
	}
	return nil
}

var (
	_ pkgkafka.MessageHandler = (*KafkaTicksHandler)(nil)
	_ pkgkafka.MessageHandler = (*CrashEventsHandler)(nil)
)
