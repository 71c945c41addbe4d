package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"ridernav/internal/events"
	"ridernav/internal/store"
)

// Publisher queues an event for every subscription that wants it. The worker
// does the actual POSTs.
type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

func (p *Publisher) Emit(ctx context.Context, e events.Event) error {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, string(e.Type))
	if err != nil {
		return fmt.Errorf("webhooks: subscriptions for %s: %w", e.Type, err)
	}
	if len(subs) == 0 {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("webhooks: marshal %s: %w", e.Type, err)
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, string(e.Type), s.URL, s.Secret, body); err != nil {
			return fmt.Errorf("webhooks: enqueue for %s: %w", s.ID, err)
		}
	}
	return nil
}
