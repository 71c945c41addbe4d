//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"ridernav/internal/model"
)

func TestPostgresLedgerRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	ctx := t.Context()
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	r, err := p.CreateRider(ctx, model.RiderInput{Name: "it", Capacity: 10})
	if err != nil {
		t.Fatalf("CreateRider: %v", err)
	}
	j, err := p.CreateJob(ctx, model.JobInput{
		Kind:        model.KindDelivery,
		Parcels:     []model.ParcelIn{{Volume: 1, Weight: 1}},
		Destination: model.Location{Point: &model.GeoPoint{Lat: 17.4, Lng: 78.4}},
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	date := time.Now().UTC().Format("2006-01-02")
	if _, err := p.CreateLedger(ctx, model.Ledger{Rider: r, PlanDate: date, Entries: []model.Entry{{JobID: j.ID, OrderKey: 0}}}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("want ErrStatusConflict for an undispatched job, got %v", err)
	}
	if err := p.TransitionJobs(ctx, []string{j.ID}, model.StatusUndispatched, model.StatusDispatching); err != nil {
		t.Fatalf("TransitionJobs: %v", err)
	}
	l, err := p.CreateLedger(ctx, model.Ledger{Rider: r, PlanDate: date, Entries: []model.Entry{{JobID: j.ID, OrderKey: 0}}})
	if err != nil {
		t.Fatalf("CreateLedger: %v", err)
	}
	if l.Version != 1 || len(l.Entries) != 1 || l.Entries[0].Job.Status != model.StatusDispatched {
		t.Fatalf("unexpected ledger %+v", l)
	}
	if _, err := p.CreateLedger(ctx, model.Ledger{Rider: r, PlanDate: date}); !errors.Is(err, ErrLedgerExists) {
		t.Fatalf("want ErrLedgerExists, got %v", err)
	}
	cur := 1
	if _, err := p.UpdateLedger(ctx, l.ID, LedgerUpdate{Cursor: &cur, Jobs: []JobUpdate{{JobID: j.ID, From: model.StatusDispatched, Status: model.StatusCompleted}}}, 1); err != nil {
		t.Fatalf("UpdateLedger: %v", err)
	}
	if _, err := p.UpdateLedger(ctx, l.ID, LedgerUpdate{}, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}
