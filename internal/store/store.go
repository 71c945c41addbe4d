package store

import (
	"context"
	"errors"
	"time"

	"ridernav/internal/model"
)

// Store is the persistence interface used by the service layer and the API.
// Ledger reads return entries sorted by order key with their jobs hydrated.
type Store interface {
	Ping(ctx context.Context) error

	// Jobs
	CreateJob(ctx context.Context, in model.JobInput) (model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error)
	// SaveJobStatus writes status and, when riderID is not empty, the rider.
	SaveJobStatus(ctx context.Context, jobID string, status model.Status, riderID string) (model.Job, error)
	// TransitionJobs moves every job in ids from one status to another in one
	// step. If any job is not in from nothing changes and ErrStatusConflict
	// is returned. Moving to UNDISPATCHED clears the rider.
	TransitionJobs(ctx context.Context, ids []string, from, to model.Status) error
	SaveJobRoute(ctx context.Context, jobID string, route []model.RouteSegment) error
	ScanParcel(ctx context.Context, jobID string, scan model.ParcelScan) (model.Job, error)

	// Riders
	CreateRider(ctx context.Context, in model.RiderInput) (model.Rider, error)
	GetRider(ctx context.Context, id string) (model.Rider, error)
	ListRiders(ctx context.Context) ([]model.Rider, error)

	// Ledgers
	// CreateLedger stores a new ledger at version 1 and marks its jobs
	// DISPATCHED to the ledger's rider in the same step. Every job must be
	// DISPATCHING, ErrStatusConflict otherwise. ErrLedgerExists if the rider
	// already has a ledger for l.PlanDate.
	CreateLedger(ctx context.Context, l model.Ledger) (model.Ledger, error)
	// CreateLedgers is CreateLedger for a whole batch: all ledgers are
	// stored or none are.
	CreateLedgers(ctx context.Context, ls []model.Ledger) ([]model.Ledger, error)
	GetLedger(ctx context.Context, id string) (model.Ledger, error)
	ListLedgers(ctx context.Context, planDate string) ([]model.Ledger, error)
	LedgerForRider(ctx context.Context, riderID, planDate string) (model.Ledger, error)
	LedgerForJob(ctx context.Context, jobID string) (model.Ledger, error)
	// UpdateLedger applies upd atomically when the stored version equals
	// expectedVersion and bumps the version. ErrVersionConflict otherwise.
	UpdateLedger(ctx context.Context, id string, upd LedgerUpdate, expectedVersion int) (model.Ledger, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]DeliveryInfo, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
}

type JobFilter struct {
	Status  model.Status
	Kind    model.JobKind
	RiderID string
}

func (f JobFilter) match(j model.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.RiderID != "" && j.RiderID != f.RiderID {
		return false
	}
	return true
}

// JobUpdate is a job write carried inside a ledger update. When From is set
// the write only applies while the job is still in From; otherwise the whole
// update fails with ErrStatusConflict.
type JobUpdate struct {
	JobID   string
	From    model.Status
	Status  model.Status
	RiderID string
}

// LedgerUpdate lists the fields to change. Nil Entries and Cursor are left
// as they are; Entries replaces the whole sequence when set.
type LedgerUpdate struct {
	Entries []model.Entry
	Cursor  *int
	Jobs    []JobUpdate
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("ledger version is stale")
	ErrLedgerExists    = errors.New("rider already has a ledger for this date")
	ErrStatusConflict  = errors.New("job status changed concurrently")
)
