// Package webhooks delivers events to subscriber URLs: a publisher queues
// them in the store and a worker POSTs them with HMAC signatures, backing off
// on failure and dead-lettering after MaxAttempts.
package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ridernav/internal/metrics"
	"ridernav/internal/store"
)

type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Log         *zap.Logger
	MaxAttempts int
	Interval    time.Duration
	Batch       int
}

func NewWorker(s store.Store, maxAttempts int, log *zap.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Log:         log,
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Batch:       50,
	}
}

// Run polls for due deliveries until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.Batch)
	if err != nil {
		w.Log.Warn("fetch due webhooks", zap.Error(err))
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	code, latency, err := w.post(ctx, it)
	success := err == nil
	status := "ok"
	lastErr := ""
	if !success {
		status = "error"
		lastErr = err.Error()
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))

	if !success && it.Attempts+1 >= w.MaxAttempts {
		w.Log.Warn("webhook dead-lettered",
			zap.String("delivery", it.ID),
			zap.String("url", it.URL),
			zap.Int("attempts", it.Attempts+1),
			zap.Error(err))
		if err := w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency); err != nil {
			w.Log.Error("fail webhook delivery", zap.String("delivery", it.ID), zap.Error(err))
		}
		return
	}
	next := time.Now().Add(nextBackoff(it.Attempts))
	if err := w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
		w.Log.Error("mark webhook delivery", zap.String("delivery", it.ID), zap.Error(err))
	}
}

// post returns the response code, latency in ms and an error for anything
// other than a 2xx.
func (w *Worker) post(ctx context.Context, it store.WebhookDelivery) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, it.EventType)
	req.Header.Set(HeaderDelivery, it.ID)
	if it.Secret != "" {
		req.Header.Set(HeaderSignature, SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, latency, fmt.Errorf("subscriber answered %d", resp.StatusCode)
	}
	return resp.StatusCode, latency, nil
}

// nextBackoff doubles from one second, capped at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	d := time.Second << attempts
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
