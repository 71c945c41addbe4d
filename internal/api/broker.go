package api

import (
	"context"
	"sync"

	"ridernav/internal/events"
)

// AllLedgers is the topic that receives every event, used by the monitor.
const AllLedgers = "*"

// EventBroker fans events out to live API streams, keyed by ledger ID.
type EventBroker interface {
	Subscribe(topic string) chan events.Event
	Unsubscribe(topic string, ch chan events.Event)
	Publish(topic string, evt events.Event)
}

// Broker is the in-process EventBroker. Slow subscribers drop events rather
// than block publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan events.Event]struct{} // ledgerId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan events.Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan events.Event {
	ch := make(chan events.Event, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan events.Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// BrokerSink feeds service events into a broker: once on the ledger's topic
// and once on AllLedgers.
type BrokerSink struct {
	Broker EventBroker
}

func (s BrokerSink) Emit(ctx context.Context, e events.Event) error {
	if e.LedgerID != "" {
		s.Broker.Publish(e.LedgerID, e)
	}
	s.Broker.Publish(AllLedgers, e)
	return nil
}
