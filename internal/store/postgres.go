package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ridernav/internal/model"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Jobs

const jobCols = `j.id::text, j.kind, j.parcels, COALESCE(j.address,''), j.lat, j.lng, j.deadline, j.status, COALESCE(j.rider_id::text,''), j.route, j.created_at, j.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner, extra ...any) (model.Job, error) {
	var j model.Job
	var parcels, route []byte
	var lat, lng sql.NullFloat64
	dest := append([]any{&j.ID, &j.Kind, &parcels, &j.Destination.Address, &lat, &lng, &j.Deadline, &j.Status, &j.RiderID, &route, &j.CreatedAt, &j.UpdatedAt}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal(parcels, &j.Parcels); err != nil {
		return model.Job{}, fmt.Errorf("job %s parcels: %w", j.ID, err)
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &j.Route); err != nil {
			return model.Job{}, fmt.Errorf("job %s route: %w", j.ID, err)
		}
	}
	if lat.Valid && lng.Valid {
		j.Destination.Point = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	j.Deadline = j.Deadline.UTC()
	return j, nil
}

func (p *Postgres) CreateJob(ctx context.Context, in model.JobInput) (model.Job, error) {
	j := newJob(in, time.Now().UTC())
	parcels, err := json.Marshal(j.Parcels)
	if err != nil {
		return model.Job{}, err
	}
	var lat, lng any
	if pt := j.Destination.Point; pt != nil {
		lat, lng = pt.Lat, pt.Lng
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO jobs (id, kind, parcels, address, lat, lng, deadline, status, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		j.ID, j.Kind, string(parcels), nullIfEmpty(j.Destination.Address), lat, lng, j.Deadline, j.Status, j.CreatedAt)
	if err != nil {
		return model.Job{}, err
	}
	return j, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (model.Job, error) {
	if !validID(id) {
		return model.Job{}, ErrNotFound
	}
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs j WHERE j.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return j, err
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs j WHERE true`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(` AND j.status=$%d`, len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		q += fmt.Sprintf(` AND j.kind=$%d`, len(args))
	}
	if f.RiderID != "" {
		if !validID(f.RiderID) {
			return []model.Job{}, nil
		}
		args = append(args, f.RiderID)
		q += fmt.Sprintf(` AND j.rider_id=$%d`, len(args))
	}
	q += ` ORDER BY j.created_at, j.id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveJobStatus(ctx context.Context, jobID string, status model.Status, riderID string) (model.Job, error) {
	if !validID(jobID) {
		return model.Job{}, ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$2, rider_id=COALESCE($3::uuid, rider_id), updated_at=now() WHERE id=$1`,
		jobID, status, nullIfEmpty(riderID))
	if err != nil {
		return model.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Job{}, ErrNotFound
	}
	return p.GetJob(ctx, jobID)
}

func (p *Postgres) TransitionJobs(ctx context.Context, ids []string, from, to model.Status) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if !validID(id) {
			return ErrNotFound
		}
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE jobs
        SET status=$1, rider_id=CASE WHEN $1='UNDISPATCHED' THEN NULL ELSE rider_id END, updated_at=now()
        WHERE id = ANY($2::uuid[]) AND status=$3`, to, ids, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return ErrStatusConflict
	}
	return tx.Commit()
}

func (p *Postgres) SaveJobRoute(ctx context.Context, jobID string, route []model.RouteSegment) error {
	if !validID(jobID) {
		return ErrNotFound
	}
	b, err := json.Marshal(route)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET route=$2, updated_at=now() WHERE id=$1`, jobID, string(b))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ScanParcel(ctx context.Context, jobID string, scan model.ParcelScan) (model.Job, error) {
	if !validID(jobID) {
		return model.Job{}, ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs j WHERE j.id=$1 FOR UPDATE`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	applyScan(&j, scan)
	parcels, err := json.Marshal(j.Parcels)
	if err != nil {
		return model.Job{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET parcels=$2, updated_at=now() WHERE id=$1`, jobID, string(parcels)); err != nil {
		return model.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Job{}, err
	}
	return p.GetJob(ctx, jobID)
}

// Riders

func (p *Postgres) CreateRider(ctx context.Context, in model.RiderInput) (model.Rider, error) {
	r := model.Rider{ID: uuid.New().String(), Name: in.Name, Phone: in.Phone, Age: in.Age, Capacity: in.Capacity, CreatedAt: time.Now().UTC()}
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders (id, name, phone, age, capacity, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.Name, nullIfEmpty(r.Phone), r.Age, r.Capacity, r.CreatedAt)
	if err != nil {
		return model.Rider{}, err
	}
	return r, nil
}

const riderCols = `r.id::text, r.name, COALESCE(r.phone,''), r.age, r.capacity, r.created_at`

func scanRider(sc scanner) (model.Rider, error) {
	var r model.Rider
	err := sc.Scan(&r.ID, &r.Name, &r.Phone, &r.Age, &r.Capacity, &r.CreatedAt)
	return r, err
}

func (p *Postgres) GetRider(ctx context.Context, id string) (model.Rider, error) {
	if !validID(id) {
		return model.Rider{}, ErrNotFound
	}
	r, err := scanRider(p.db.QueryRowContext(ctx, `SELECT `+riderCols+` FROM riders r WHERE r.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Rider{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListRiders(ctx context.Context) ([]model.Rider, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+riderCols+` FROM riders r ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Rider{}
	for rows.Next() {
		r, err := scanRider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ledgers

func (p *Postgres) CreateLedger(ctx context.Context, l model.Ledger) (model.Ledger, error) {
	out, err := p.CreateLedgers(ctx, []model.Ledger{l})
	if err != nil {
		return model.Ledger{}, err
	}
	return out[0], nil
}

func (p *Postgres) CreateLedgers(ctx context.Context, ls []model.Ledger) ([]model.Ledger, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(ls))
	for _, l := range ls {
		id, err := createLedgerTx(ctx, tx, l)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := make([]model.Ledger, 0, len(ids))
	for _, id := range ids {
		l, err := p.GetLedger(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func createLedgerTx(ctx context.Context, tx *sql.Tx, l model.Ledger) (string, error) {
	if !validID(l.Rider.ID) {
		return "", ErrNotFound
	}
	id := uuid.New().String()
	res, err := tx.ExecContext(ctx, `INSERT INTO ledgers (id, rider_id, plan_date, cursor_index, version) VALUES ($1,$2,$3::date,$4,1)
        ON CONFLICT (rider_id, plan_date) DO NOTHING`, id, l.Rider.ID, l.PlanDate, l.Cursor)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrLedgerExists
	}
	if err := insertEntries(ctx, tx, id, l.Entries); err != nil {
		return "", err
	}
	for _, e := range l.Entries {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$2, rider_id=$3, updated_at=now() WHERE id=$1 AND status=$4`,
			e.JobID, model.StatusDispatched, l.Rider.ID, model.StatusDispatching)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", ErrStatusConflict
		}
	}
	return id, nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, ledgerID string, entries []model.Entry) error {
	for _, e := range entries {
		if !validID(e.JobID) {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries (ledger_id, job_id, order_key) VALUES ($1,$2,$3)`,
			ledgerID, e.JobID, e.OrderKey); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) GetLedger(ctx context.Context, id string) (model.Ledger, error) {
	if !validID(id) {
		return model.Ledger{}, ErrNotFound
	}
	var l model.Ledger
	err := p.db.QueryRowContext(ctx, `SELECT l.id::text, l.plan_date::text, l.cursor_index, l.version, l.created_at, l.updated_at, `+riderCols+`
        FROM ledgers l JOIN riders r ON r.id = l.rider_id WHERE l.id=$1`, id).
		Scan(&l.ID, &l.PlanDate, &l.Cursor, &l.Version, &l.CreatedAt, &l.UpdatedAt,
			&l.Rider.ID, &l.Rider.Name, &l.Rider.Phone, &l.Rider.Age, &l.Rider.Capacity, &l.Rider.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ledger{}, ErrNotFound
	}
	if err != nil {
		return model.Ledger{}, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobCols+`, e.order_key
        FROM ledger_entries e JOIN jobs j ON j.id = e.job_id WHERE e.ledger_id=$1 ORDER BY e.order_key`, id)
	if err != nil {
		return model.Ledger{}, err
	}
	defer rows.Close()
	l.Entries = []model.Entry{}
	for rows.Next() {
		var key float64
		j, err := scanJob(rows, &key)
		if err != nil {
			return model.Ledger{}, err
		}
		l.Entries = append(l.Entries, model.Entry{JobID: j.ID, OrderKey: key, Job: j})
	}
	return l, rows.Err()
}

func (p *Postgres) ledgerIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) ListLedgers(ctx context.Context, planDate string) ([]model.Ledger, error) {
	var ids []string
	var err error
	if planDate == "" {
		ids, err = p.ledgerIDs(ctx, `SELECT id::text FROM ledgers ORDER BY created_at, id`)
	} else {
		ids, err = p.ledgerIDs(ctx, `SELECT id::text FROM ledgers WHERE plan_date=$1::date ORDER BY created_at, id`, planDate)
	}
	if err != nil {
		return nil, err
	}
	out := make([]model.Ledger, 0, len(ids))
	for _, id := range ids {
		l, err := p.GetLedger(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (p *Postgres) LedgerForRider(ctx context.Context, riderID, planDate string) (model.Ledger, error) {
	if !validID(riderID) {
		return model.Ledger{}, ErrNotFound
	}
	ids, err := p.ledgerIDs(ctx, `SELECT id::text FROM ledgers WHERE rider_id=$1 AND plan_date=$2::date`, riderID, planDate)
	if err != nil {
		return model.Ledger{}, err
	}
	if len(ids) == 0 {
		return model.Ledger{}, ErrNotFound
	}
	return p.GetLedger(ctx, ids[0])
}

func (p *Postgres) LedgerForJob(ctx context.Context, jobID string) (model.Ledger, error) {
	if !validID(jobID) {
		return model.Ledger{}, ErrNotFound
	}
	ids, err := p.ledgerIDs(ctx, `SELECT ledger_id::text FROM ledger_entries WHERE job_id=$1`, jobID)
	if err != nil {
		return model.Ledger{}, err
	}
	if len(ids) == 0 {
		return model.Ledger{}, ErrNotFound
	}
	return p.GetLedger(ctx, ids[0])
}

func (p *Postgres) UpdateLedger(ctx context.Context, id string, upd LedgerUpdate, expectedVersion int) (model.Ledger, error) {
	if !validID(id) {
		return model.Ledger{}, ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Ledger{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var cursor any
	if upd.Cursor != nil {
		cursor = *upd.Cursor
	}
	res, err := tx.ExecContext(ctx, `UPDATE ledgers SET version=version+1, cursor_index=COALESCE($3::int, cursor_index), updated_at=now()
        WHERE id=$1 AND version=$2`, id, expectedVersion, cursor)
	if err != nil {
		return model.Ledger{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledgers WHERE id=$1)`, id).Scan(&exists); err != nil {
			return model.Ledger{}, err
		}
		if !exists {
			return model.Ledger{}, ErrNotFound
		}
		return model.Ledger{}, ErrVersionConflict
	}
	if upd.Entries != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE ledger_id=$1`, id); err != nil {
			return model.Ledger{}, err
		}
		if err := insertEntries(ctx, tx, id, upd.Entries); err != nil {
			return model.Ledger{}, err
		}
	}
	for _, ju := range upd.Jobs {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$2, rider_id=COALESCE($3::uuid, rider_id), updated_at=now()
        WHERE id=$1 AND ($4::text = '' OR status=$4::text)`,
			ju.JobID, ju.Status, nullIfEmpty(ju.RiderID), string(ju.From))
		if err != nil {
			return model.Ledger{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if ju.From != "" {
				return model.Ledger{}, ErrStatusConflict
			}
			return model.Ledger{}, ErrNotFound
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Ledger{}, err
	}
	return p.GetLedger(ctx, id)
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret, CreatedAt: time.Now().UTC()}
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret, created_at) VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.URL, string(ev), nullIfEmpty(s.Secret), s.CreatedAt)
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

func (p *Postgres) querySubscriptions(ctx context.Context, q string, args ...any) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev, &s.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	return p.querySubscriptions(ctx, `SELECT id::text, url, COALESCE(secret,''), events, created_at FROM subscriptions
        WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb ORDER BY created_at`, fmt.Sprintf("[%q]", eventType))
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return p.querySubscriptions(ctx, `SELECT id::text, url, COALESCE(secret,''), events, created_at FROM subscriptions ORDER BY created_at`)
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	res, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
        ON CONFLICT (event_type, url, dedup_key) DO NOTHING`,
		id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), string(payload), computeDedupKey(payload))
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`,
			id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]DeliveryInfo, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url, COALESCE(response_code,0) FROM webhook_deliveries`
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, q+` WHERE status=$1 ORDER BY created_at LIMIT $2`, status, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY created_at LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DeliveryInfo{}
	for rows.Next() {
		var d DeliveryInfo
		var next sql.NullTime
		if err := rows.Scan(&d.ID, &d.EventType, &d.Status, &d.Attempts, &next, &d.LastError, &d.URL, &d.ResponseCode); err != nil {
			return nil, err
		}
		if next.Valid && d.Status != DeliveryDelivered {
			t := next.Time
			d.NextAttemptAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// validID filters out IDs the uuid columns would reject with a syntax error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// splitStatements splits a schema file on ";" at line ends.
func splitStatements(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ";\n") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, strings.TrimSuffix(stmt, ";"))
		}
	}
	return out
}
