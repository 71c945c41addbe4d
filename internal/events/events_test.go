package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []skafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeChannel struct {
	queue string
	msgs  []amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.queue = key
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestKafkaSinkKeysByLedger(t *testing.T) {
	fw := &fakeWriter{}
	s := NewKafkaSinkWithWriter(fw)
	e := New(LedgerUpdated, map[string]int{"version": 2})
	e.LedgerID = "L1"
	e.JobID = "j1"
	require.NoError(t, s.Emit(context.Background(), e))
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "L1", string(fw.msgs[0].Key))

	var back Event
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &back))
	assert.Equal(t, LedgerUpdated, back.Type)
	assert.Equal(t, e.ID, back.ID)
}

func TestAMQPSinkOnlyRiderEvents(t *testing.T) {
	ch := &fakeChannel{}
	s := NewAMQPSinkWithChannel(ch, "notify")
	require.NoError(t, s.Emit(context.Background(), New(DispatchCompleted, nil)))
	assert.Empty(t, ch.msgs)

	e := New(PickupAssigned, nil)
	e.RiderID = "r1"
	require.NoError(t, s.Emit(context.Background(), e))
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "notify", ch.queue)
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	assert.Equal(t, string(PickupAssigned), ch.msgs[0].Type)
}

func TestMultiKeepsGoingOnFailure(t *testing.T) {
	bad := &fakeWriter{err: errors.New("broker down")}
	good := &fakeWriter{}
	m := NewMulti(nil, NewKafkaSinkWithWriter(bad), NewKafkaSinkWithWriter(good))
	err := m.Emit(context.Background(), New(LedgerCreated, nil))
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, good.msgs, 1)
}
