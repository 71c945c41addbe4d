package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// SolverCalls counts optimizer invocations by problem kind and outcome (ok, error, timeout, cancelled)
	SolverCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_calls_total", Help: "Optimizer invocations by kind and outcome."},
		[]string{"kind", "outcome"},
	)
	SolverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "solver_duration_seconds", Help: "Optimizer wall time in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}},
		[]string{"kind"},
	)

	// LedgerConflicts counts ledger writes rejected for a stale version
	LedgerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ledger_version_conflicts_total", Help: "Ledger updates rejected for a stale version."},
	)
	// JobsDispatched counts jobs committed to a ledger, by path (batch, pickup)
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_dispatched_total", Help: "Jobs committed to a rider ledger."},
		[]string{"path"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(SolverCalls, SolverDuration)
		Registry.MustRegister(LedgerConflicts, JobsDispatched)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
