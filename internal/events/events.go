// Package events carries ledger and job changes to whoever listens: live API
// streams, webhooks, Kafka and the rider notification queue.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	LedgerCreated     Type = "ledger.created"
	LedgerUpdated     Type = "ledger.updated"
	JobStatusChanged  Type = "job.status_changed"
	PickupAssigned    Type = "pickup.assigned"
	PickupUnassigned  Type = "pickup.unassigned"
	DispatchCompleted Type = "dispatch.completed"
	DispatchFailed    Type = "dispatch.failed"
)

// All lists every event type, in the order they are documented.
var All = []Type{LedgerCreated, LedgerUpdated, JobStatusChanged, PickupAssigned, PickupUnassigned, DispatchCompleted, DispatchFailed}

type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	TS       time.Time `json:"ts"`
	LedgerID string    `json:"ledgerId,omitempty"`
	JobID    string    `json:"jobId,omitempty"`
	RiderID  string    `json:"riderId,omitempty"`
	Data     any       `json:"data,omitempty"`
}

func New(t Type, data any) Event {
	return Event{ID: "evt_" + uuid.New().String(), Type: t, TS: time.Now().UTC(), Data: data}
}

// Key is the partition key: the ledger when there is one, else the job.
func (e Event) Key() string {
	if e.LedgerID != "" {
		return e.LedgerID
	}
	if e.JobID != "" {
		return e.JobID
	}
	return e.ID
}

type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans an event out to every sink. A failing sink does not stop the
// others; failures are logged and returned joined.
type Multi struct {
	Sinks []Sink
	Log   *zap.Logger
}

func NewMulti(log *zap.Logger, sinks ...Sink) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multi{Sinks: sinks, Log: log}
}

func (m *Multi) Add(s Sink) { m.Sinks = append(m.Sinks, s) }

func (m *Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.Emit(ctx, e); err != nil {
			m.Log.Warn("event sink failed", zap.String("type", string(e.Type)), zap.String("id", e.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
