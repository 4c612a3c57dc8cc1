package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter publishes envelopes to a Kafka topic, keyed by the chain
// signature when the payload carries one so a partition sees each
// transaction's events in order.
type KafkaEmitter struct {
	writer *kafka.Writer
}

// NewKafkaEmitter creates an emitter for the given broker and topic.
func NewKafkaEmitter(brokerAddress, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokerAddress),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

var _ Emitter = (*KafkaEmitter)(nil)

// keyed is implemented by event payloads that carry a chain signature.
type keyed interface {
	EventKey() string
}

// Emit publishes one envelope.
func (k *KafkaEmitter) Emit(ctx context.Context, e Envelope) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{Value: value}
	if kd, ok := e.Data.(keyed); ok {
		msg.Key = []byte(kd.EventKey())
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}
