package events

import (
	"context"
	"encoding/json"
	"fmt"

	skafka "github.com/segmentio/kafka-go"
)

// Writer is the subset of the kafka-go writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaSink publishes every event as JSON, keyed by ledger so a ledger's
// events stay ordered within a partition.
type KafkaSink struct {
	writer Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &skafka.Writer{
		Addr:                   skafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &skafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func NewKafkaSinkWithWriter(w Writer) *KafkaSink { return &KafkaSink{writer: w} }

func (k *KafkaSink) Emit(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", e.Type, err)
	}
	msg := skafka.Message{
		Key:   []byte(e.Key()),
		Value: b,
		Headers: []skafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", e.Type, err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
