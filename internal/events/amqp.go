package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of an AMQP channel the sink uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink queues rider notifications: only events that name a rider are
// published, persistent, on a durable queue.
type AMQPSink struct {
	ch    Channel
	queue string
	conn  *amqp.Connection
}

// DialAMQP connects, opens a channel and declares queue.
func DialAMQP(url, queue string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare %s: %w", queue, err)
	}
	return &AMQPSink{ch: ch, queue: queue, conn: conn}, nil
}

func NewAMQPSinkWithChannel(ch Channel, queue string) *AMQPSink {
	return &AMQPSink{ch: ch, queue: queue}
}

func (a *AMQPSink) Emit(ctx context.Context, e Event) error {
	if e.RiderID == "" {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("amqp: marshal %s: %w", e.Type, err)
	}
	return a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.TS,
		Body:         b,
	})
}

// Close closes the connection opened by DialAMQP.
func (a *AMQPSink) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
