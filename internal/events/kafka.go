package events

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/segmentio/kafka-go"
)

const headerEventType = "event-type"

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by booking or user id.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaWriter builds a synchronous writer that hashes keys to partitions.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (publisher *KafkaPublisher) Publish(ctx context.Context, event parking.Event) error {
	payload, err := Encode(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	message := kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(event.Type)},
		},
	}
	if err := publisher.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("write %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}
