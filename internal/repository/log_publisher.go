package repository

import (
	"context"

	pkgkafka "FinPulse/pkg/kafka"
	applogger "FinPulse/pkg/logger"
)

// KafkaLogPublisher ships aggregated log entries from the log collector.
type KafkaLogPublisher struct {
	producer *pkgkafka.Producer
}

func NewKafkaLogPublisher(producer *pkgkafka.Producer) *KafkaLogPublisher {
	return &KafkaLogPublisher{producer: producer}
}

func (p *KafkaLogPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}

var _ applogger.Publisher = (*KafkaLogPublisher)(nil)
