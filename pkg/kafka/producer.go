package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var (
	producerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finpulse",
			Subsystem: "kafka_producer",
			Name:      "messages_total",
			Help:      "Messages written to Kafka",
		},
		[]string{"topic", "result"},
	)
	producerBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finpulse",
			Subsystem: "kafka_producer",
			Name:      "bytes_total",
			Help:      "Payload bytes written to Kafka",
		},
		[]string{"topic"},
	)
	producerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finpulse",
			Subsystem: "kafka_producer",
			Name:      "write_seconds",
			Help:      "Kafka write latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)

// Message is one record to publish. Value is sent as-is when it is []byte or
// string and JSON-encoded otherwise.
type Message struct {
	Key     []byte
	Value   interface{}
	Headers map[string]string
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a kafka-go writer shared by every topic.
type Producer struct {
	writer writer
	now    func() time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := &ProducerConfig{
		RequiredAcks: -1,
		Compression:  "gzip",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: brokers are required")
	}

	var bal kafka.Balancer = &kafka.LeastBytes{}
	if cfg.HashByKey {
		bal = &kafka.Hash{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     bal,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		BatchSize:    cfg.BatchSize,
		BatchBytes:   int64(cfg.BatchBytes),
		BatchTimeout: cfg.BatchTimeout,
		Async:        cfg.Async,
	}
	if c, ok := parseCompression(cfg.Compression); ok {
		w.Compression = c
	}
	return &Producer{writer: w, now: time.Now}, nil
}

// Publish sends one message to topic.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	return p.PublishBatch(ctx, topic, []Message{{Key: key, Value: value}})
}

// PublishBatch sends messages to topic in one write.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	start := p.now()
	msgs := make([]kafka.Message, 0, len(messages))
	var size int
	for _, m := range messages {
		km, err := p.build(topic, m)
		if err != nil {
			producerMessages.WithLabelValues(topic, "encode_error").Inc()
			return err
		}
		size += len(km.Value)
		msgs = append(msgs, km)
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	producerLatency.WithLabelValues(topic).Observe(p.now().Sub(start).Seconds())
	if err != nil {
		producerMessages.WithLabelValues(topic, "error").Add(float64(len(msgs)))
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	producerMessages.WithLabelValues(topic, "ok").Add(float64(len(msgs)))
	producerBytes.WithLabelValues(topic).Add(float64(size))
	return nil
}

func (p *Producer) build(topic string, m Message) (kafka.Message, error) {
	v, err := encodeValue(m.Value)
	if err != nil {
		return kafka.Message{}, err
	}
	km := kafka.Message{Topic: topic, Key: m.Key, Value: v, Time: p.now()}
	for k, hv := range m.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(hv)})
	}
	return km, nil
}

func encodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return b, nil
}

// Close flushes pending writes and closes the producer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func parseCompression(s string) (kafka.Compression, bool) {
	switch s {
	case "gzip":
		return kafka.Gzip, true
	case "snappy":
		return kafka.Snappy, true
	case "lz4":
		return kafka.Lz4, true
	case "zstd":
		return kafka.Zstd, true
	case "none", "":
		return 0, false
	default:
		return kafka.Gzip, true
	}
}
