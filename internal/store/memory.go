package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridernav/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]model.Job
	jobSeq  []string // creation order
	riders  map[string]model.Rider
	riderSq []string
	ledgers map[string]*memLedger
	// jobID -> ledgerID
	jobLedger map[string]string
	subs      []model.Subscription
	// Webhooks queue state
	deliveries map[string]*memDelivery
	delivSeq   []string
	dedup      map[string]bool
	now        func() time.Time
}

type memLedger struct {
	ID        string
	RiderID   string
	PlanDate  string
	Entries   []memEntry
	Cursor    int
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type memEntry struct {
	JobID    string
	OrderKey float64
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       map[string]model.Job{},
		riders:     map[string]model.Rider{},
		ledgers:    map[string]*memLedger{},
		jobLedger:  map[string]string{},
		deliveries: map[string]*memDelivery{},
		dedup:      map[string]bool{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock makes the store stamp records with now. Tests use it to create
// ledgers on a chosen day.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Jobs

func (m *Memory) CreateJob(ctx context.Context, in model.JobInput) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	j := newJob(in, now)
	m.jobs[j.ID] = j
	m.jobSeq = append(m.jobSeq, j.ID)
	return cloneJob(j), nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Job{}
	for _, id := range m.jobSeq {
		j := m.jobs[id]
		if f.match(j) {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (m *Memory) SaveJobStatus(ctx context.Context, jobID string, status model.Status, riderID string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	j.Status = status
	if riderID != "" {
		j.RiderID = riderID
	}
	j.UpdatedAt = m.now()
	m.jobs[jobID] = j
	return cloneJob(j), nil
}

func (m *Memory) TransitionJobs(ctx context.Context, ids []string, from, to model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		j, ok := m.jobs[id]
		if !ok {
			return ErrNotFound
		}
		if j.Status != from {
			return ErrStatusConflict
		}
	}
	now := m.now()
	for _, id := range ids {
		j := m.jobs[id]
		j.Status = to
		if to == model.StatusUndispatched {
			j.RiderID = ""
		}
		j.UpdatedAt = now
		m.jobs[id] = j
	}
	return nil
}

func (m *Memory) SaveJobRoute(ctx context.Context, jobID string, route []model.RouteSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Route = append([]model.RouteSegment(nil), route...)
	j.UpdatedAt = m.now()
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) ScanParcel(ctx context.Context, jobID string, scan model.ParcelScan) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	j = cloneJob(j)
	applyScan(&j, scan)
	j.UpdatedAt = m.now()
	m.jobs[jobID] = j
	return cloneJob(j), nil
}

// Riders

func (m *Memory) CreateRider(ctx context.Context, in model.RiderInput) (model.Rider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := model.Rider{ID: uuid.New().String(), Name: in.Name, Phone: in.Phone, Age: in.Age, Capacity: in.Capacity, CreatedAt: m.now()}
	m.riders[r.ID] = r
	m.riderSq = append(m.riderSq, r.ID)
	return r, nil
}

func (m *Memory) GetRider(ctx context.Context, id string) (model.Rider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return model.Rider{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRiders(ctx context.Context) ([]model.Rider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Rider, 0, len(m.riderSq))
	for _, id := range m.riderSq {
		out = append(out, m.riders[id])
	}
	return out, nil
}

// Ledgers

func (m *Memory) CreateLedger(ctx context.Context, l model.Ledger) (model.Ledger, error) {
	out, err := m.CreateLedgers(ctx, []model.Ledger{l})
	if err != nil {
		return model.Ledger{}, err
	}
	return out[0], nil
}

func (m *Memory) CreateLedgers(ctx context.Context, ls []model.Ledger) ([]model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	riders := map[string]bool{}
	jobs := map[string]bool{}
	for _, l := range ls {
		if _, ok := m.riders[l.Rider.ID]; !ok {
			return nil, ErrNotFound
		}
		key := l.Rider.ID + "|" + l.PlanDate
		if riders[key] {
			return nil, ErrLedgerExists
		}
		riders[key] = true
		for _, ex := range m.ledgers {
			if ex.RiderID == l.Rider.ID && ex.PlanDate == l.PlanDate {
				return nil, ErrLedgerExists
			}
		}
		for _, e := range l.Entries {
			j, ok := m.jobs[e.JobID]
			if !ok {
				return nil, ErrNotFound
			}
			if _, taken := m.jobLedger[e.JobID]; taken || jobs[e.JobID] {
				return nil, ErrStatusConflict
			}
			if j.Status != model.StatusDispatching {
				return nil, ErrStatusConflict
			}
			jobs[e.JobID] = true
		}
	}

	now := m.now()
	out := make([]model.Ledger, 0, len(ls))
	for _, l := range ls {
		rec := &memLedger{
			ID:        uuid.New().String(),
			RiderID:   l.Rider.ID,
			PlanDate:  l.PlanDate,
			Cursor:    l.Cursor,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, e := range l.Entries {
			rec.Entries = append(rec.Entries, memEntry{JobID: e.JobID, OrderKey: e.OrderKey})
			j := m.jobs[e.JobID]
			j.Status = model.StatusDispatched
			j.RiderID = l.Rider.ID
			j.UpdatedAt = now
			m.jobs[e.JobID] = j
			m.jobLedger[e.JobID] = rec.ID
		}
		m.ledgers[rec.ID] = rec
		out = append(out, m.hydrate(rec))
	}
	return out, nil
}

func (m *Memory) GetLedger(ctx context.Context, id string) (model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ledgers[id]
	if !ok {
		return model.Ledger{}, ErrNotFound
	}
	return m.hydrate(rec), nil
}

func (m *Memory) ListLedgers(ctx context.Context, planDate string) ([]model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]*memLedger, 0, len(m.ledgers))
	for _, rec := range m.ledgers {
		if planDate == "" || rec.PlanDate == planDate {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	out := make([]model.Ledger, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.hydrate(rec))
	}
	return out, nil
}

func (m *Memory) LedgerForRider(ctx context.Context, riderID, planDate string) (model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.ledgers {
		if rec.RiderID == riderID && rec.PlanDate == planDate {
			return m.hydrate(rec), nil
		}
	}
	return model.Ledger{}, ErrNotFound
}

func (m *Memory) LedgerForJob(ctx context.Context, jobID string) (model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.jobLedger[jobID]
	if !ok {
		return model.Ledger{}, ErrNotFound
	}
	return m.hydrate(m.ledgers[id]), nil
}

func (m *Memory) UpdateLedger(ctx context.Context, id string, upd LedgerUpdate, expectedVersion int) (model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ledgers[id]
	if !ok {
		return model.Ledger{}, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return model.Ledger{}, ErrVersionConflict
	}
	for _, ju := range upd.Jobs {
		j, ok := m.jobs[ju.JobID]
		if !ok {
			return model.Ledger{}, ErrNotFound
		}
		if ju.From != "" && j.Status != ju.From {
			return model.Ledger{}, ErrStatusConflict
		}
	}
	if upd.Entries != nil {
		for _, e := range upd.Entries {
			if _, ok := m.jobs[e.JobID]; !ok {
				return model.Ledger{}, ErrNotFound
			}
			if other, taken := m.jobLedger[e.JobID]; taken && other != id {
				return model.Ledger{}, ErrStatusConflict
			}
		}
	}

	now := m.now()
	if upd.Entries != nil {
		for _, e := range rec.Entries {
			delete(m.jobLedger, e.JobID)
		}
		rec.Entries = rec.Entries[:0]
		for _, e := range upd.Entries {
			rec.Entries = append(rec.Entries, memEntry{JobID: e.JobID, OrderKey: e.OrderKey})
			m.jobLedger[e.JobID] = id
		}
	}
	if upd.Cursor != nil {
		rec.Cursor = *upd.Cursor
	}
	for _, ju := range upd.Jobs {
		j := m.jobs[ju.JobID]
		j.Status = ju.Status
		if ju.RiderID != "" {
			j.RiderID = ju.RiderID
		}
		j.UpdatedAt = now
		m.jobs[ju.JobID] = j
	}
	rec.Version++
	rec.UpdatedAt = now
	return m.hydrate(rec), nil
}

// hydrate builds the public view. Caller holds m.mu.
func (m *Memory) hydrate(rec *memLedger) model.Ledger {
	l := model.Ledger{
		ID:        rec.ID,
		Rider:     m.riders[rec.RiderID],
		PlanDate:  rec.PlanDate,
		Cursor:    rec.Cursor,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Entries:   make([]model.Entry, 0, len(rec.Entries)),
	}
	for _, e := range rec.Entries {
		l.Entries = append(l.Entries, model.Entry{JobID: e.JobID, OrderKey: e.OrderKey, Job: cloneJob(m.jobs[e.JobID])})
	}
	sort.SliceStable(l.Entries, func(i, j int) bool { return l.Entries[i].OrderKey < l.Entries[j].OrderKey })
	return l
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret, CreatedAt: m.now()}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		if s.Wants(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Subscription{}, m.subs...), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	found := false
	for _, s := range m.subs {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subscriptionID + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
	if m.dedup[key] {
		return "", nil
	}
	m.dedup[key] = true
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   m.now(),
	}
	m.delivSeq = append(m.delivSeq, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, id := range m.delivSeq {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]DeliveryInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []DeliveryInfo{}
	for _, id := range m.delivSeq {
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		info := DeliveryInfo{ID: d.ID, EventType: d.EventType, Status: d.Status, Attempts: d.Attempts, URL: d.URL, LastError: d.LastError, ResponseCode: d.ResponseCode}
		if !d.NextAttemptAt.IsZero() && d.Status != DeliveryDelivered {
			t := d.NextAttemptAt
			info.NextAttemptAt = &t
		}
		out = append(out, info)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = m.now()
	return nil
}

// helpers shared by both stores

func newJob(in model.JobInput, now time.Time) model.Job {
	j := model.Job{
		ID:          uuid.New().String(),
		Kind:        in.Kind,
		Destination: in.Destination,
		Deadline:    in.Deadline.UTC(),
		Status:      model.StatusUndispatched,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.Kind == "" {
		j.Kind = model.KindDelivery
	}
	for _, p := range in.Parcels {
		j.Parcels = append(j.Parcels, model.Parcel{
			ID:          uuid.New().String(),
			Name:        p.Name,
			Description: p.Description,
			Volume:      p.Volume,
			Weight:      p.Weight,
			ScannedAt:   p.ScannedAt,
			Location:    p.Location,
		})
	}
	return j
}

func applyScan(j *model.Job, scan model.ParcelScan) {
	if len(j.Parcels) == 0 {
		j.Parcels = []model.Parcel{{ID: uuid.New().String()}}
	}
	p := &j.Parcels[0]
	p.Volume = scan.Volume
	p.Weight = scan.Weight
	ts := scan.ScannedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p.ScannedAt = &ts
	if scan.Location != nil {
		loc := *scan.Location
		p.Location = &loc
	}
}

func cloneJob(j model.Job) model.Job {
	j.Parcels = append([]model.Parcel(nil), j.Parcels...)
	j.Route = append([]model.RouteSegment(nil), j.Route...)
	return j
}
