// Package api serves the HTTP surface: job intake, the rider registry,
// dispatch and pickup insertion, ledger reads and live streams, webhooks and
// the ops endpoints.
package api

import (
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ridernav/internal/service"
	"ridernav/internal/store"
)

type Server struct {
	Svc    *service.Service
	Store  store.Store
	Broker EventBroker
	Log    *zap.Logger
	// Limiter guards the endpoints that call the optimizer.
	Limiter *rate.Limiter
	// Settings is echoed by /debug/info.
	Settings map[string]any

	intake *jsonschema.Schema
}

type Options struct {
	Service   *service.Service
	Store     store.Store
	Broker    EventBroker
	Log       *zap.Logger
	RateRPS   float64
	RateBurst int
	Settings  map[string]any
}

func NewServer(o Options) (*Server, error) {
	schema, err := compileIntakeSchema()
	if err != nil {
		return nil, fmt.Errorf("intake schema: %w", err)
	}
	s := &Server{
		Svc:      o.Service,
		Store:    o.Store,
		Broker:   o.Broker,
		Log:      o.Log,
		Settings: o.Settings,
		intake:   schema,
	}
	if s.Broker == nil {
		s.Broker = NewBroker()
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if o.RateRPS > 0 {
		burst := o.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.Limiter = rate.NewLimiter(rate.Limit(o.RateRPS), burst)
	}
	return s, nil
}

// Routes builds the mux with metrics applied to every route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("/v1/jobs", s.JobsHandler)
	mux.HandleFunc("/v1/jobs/", s.JobByIDHandler) // includes /scan, /status, /ledger

	// Riders
	mux.HandleFunc("/v1/riders", s.RidersHandler)
	mux.HandleFunc("/v1/riders/", s.RiderByIDHandler)

	// Dispatch
	mux.Handle("/v1/dispatch", s.limit(http.HandlerFunc(s.DispatchHandler)))
	mux.Handle("/v1/pickups", s.limit(http.HandlerFunc(s.PickupsHandler)))

	// Ledgers
	mux.HandleFunc("/v1/ledgers", s.LedgersHandler)
	mux.HandleFunc("/v1/ledgers/", s.LedgerByIDHandler) // includes /events/stream and export.xlsx
	mux.HandleFunc("/v1/ws", s.MonitorWSHandler)

	// Webhooks
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug/info", s.DebugJSON)
	mux.Handle("/metrics", metricsHandler())

	return instrument(mux)
}
