package service

import (
	"context"
	"fmt"
	"strings"

	"ridernav/internal/apperr"
	"ridernav/internal/ledger"
	"ridernav/internal/model"
	"ridernav/internal/store"
)

// CreateJob registers a job from intake. Kind defaults to delivery.
func (s *Service) CreateJob(ctx context.Context, in model.JobInput) (model.Job, error) {
	const op = "service.create_job"
	if in.Kind == "" {
		in.Kind = model.KindDelivery
	}
	if err := validateJobInput(in); err != nil {
		return model.Job{}, apperr.E(apperr.Validation, op, err)
	}
	j, err := s.Store.CreateJob(ctx, in)
	return j, storeErr(op, err)
}

func validateJobInput(in model.JobInput) error {
	switch in.Kind {
	case model.KindDelivery, model.KindPickup:
	default:
		return fmt.Errorf("unknown kind %q", in.Kind)
	}
	if len(in.Parcels) != 1 {
		return fmt.Errorf("exactly one parcel is required, got %d", len(in.Parcels))
	}
	for i, p := range in.Parcels {
		if p.Volume <= 0 {
			return fmt.Errorf("parcels[%d].volume must be > 0", i)
		}
		if p.Weight < 0 {
			return fmt.Errorf("parcels[%d].weight must be >= 0", i)
		}
		if p.Location != nil && !p.Location.Valid() {
			return fmt.Errorf("parcels[%d].location out of range", i)
		}
	}
	if in.Deadline.IsZero() {
		return fmt.Errorf("deadline is required")
	}
	if in.Kind == model.KindDelivery {
		if in.Destination.Point == nil {
			return fmt.Errorf("destination.point is required for deliveries")
		}
		if !in.Destination.Point.Valid() {
			return fmt.Errorf("destination.point out of range")
		}
	}
	if in.Kind == model.KindPickup && in.Parcels[0].Location == nil {
		return fmt.Errorf("parcels[0].location is required for pickups")
	}
	return nil
}

// ScanParcel records a fresh scan. Only jobs that have not been dispatched
// can change size.
func (s *Service) ScanParcel(ctx context.Context, jobID string, scan model.ParcelScan) (model.Job, error) {
	const op = "service.scan_parcel"
	if scan.Volume <= 0 || scan.Weight < 0 {
		return model.Job{}, apperr.Validationf(op, "scan needs volume > 0 and weight >= 0")
	}
	j, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, storeErr(op, err)
	}
	if j.Status != model.StatusUndispatched {
		return model.Job{}, apperr.Validationf(op, "job %s is %s, parcels can only be rescanned before dispatch", j.ID, j.Status)
	}
	if scan.ScannedAt.IsZero() {
		scan.ScannedAt = s.Calendar.Now().UTC()
	}
	out, err := s.Store.ScanParcel(ctx, jobID, scan)
	return out, storeErr(op, err)
}

func (s *Service) GetJob(ctx context.Context, id string) (model.Job, error) {
	j, err := s.Store.GetJob(ctx, id)
	return j, storeErr("service.get_job", err)
}

func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validationf("service.list_jobs", "unknown status %q", f.Status)
	}
	js, err := s.Store.ListJobs(ctx, f)
	return js, storeErr("service.list_jobs", err)
}

func (s *Service) CreateRider(ctx context.Context, in model.RiderInput) (model.Rider, error) {
	const op = "service.create_rider"
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return model.Rider{}, apperr.Validationf(op, "name is required")
	}
	if in.Capacity <= 0 {
		return model.Rider{}, apperr.Validationf(op, "capacity must be > 0")
	}
	if in.Age < 0 {
		return model.Rider{}, apperr.Validationf(op, "age must be >= 0")
	}
	r, err := s.Store.CreateRider(ctx, in)
	return r, storeErr(op, err)
}

func (s *Service) GetRider(ctx context.Context, id string) (model.Rider, error) {
	r, err := s.Store.GetRider(ctx, id)
	return r, storeErr("service.get_rider", err)
}

func (s *Service) ListRiders(ctx context.Context) ([]model.Rider, error) {
	rs, err := s.Store.ListRiders(ctx)
	return rs, storeErr("service.list_riders", err)
}

// Ledger reads one ledger and checks its invariants.
func (s *Service) Ledger(ctx context.Context, id string) (model.Ledger, error) {
	l, err := s.Store.GetLedger(ctx, id)
	if err != nil {
		return model.Ledger{}, storeErr("service.ledger", err)
	}
	return l, ledger.Validate(l)
}

// TodayLedgers returns the ledgers of the current local date.
func (s *Service) TodayLedgers(ctx context.Context) ([]model.Ledger, error) {
	return s.LedgersOn(ctx, s.Calendar.Today())
}

// LedgersOn returns the ledgers of planDate, all dates when empty.
func (s *Service) LedgersOn(ctx context.Context, planDate string) ([]model.Ledger, error) {
	ls, err := s.Store.ListLedgers(ctx, planDate)
	if err != nil {
		return nil, storeErr("service.ledgers", err)
	}
	for _, l := range ls {
		if err := ledger.Validate(l); err != nil {
			return nil, err
		}
	}
	if planDate != "" {
		if err := ledger.ValidateDay(ls); err != nil {
			return nil, err
		}
	}
	return ls, nil
}

// RiderLedger is the rider's ledger for today.
func (s *Service) RiderLedger(ctx context.Context, riderID string) (model.Ledger, error) {
	if _, err := s.GetRider(ctx, riderID); err != nil {
		return model.Ledger{}, err
	}
	l, err := s.Store.LedgerForRider(ctx, riderID, s.Calendar.Today())
	if err != nil {
		return model.Ledger{}, storeErr("service.rider_ledger", err)
	}
	return l, ledger.Validate(l)
}

func (s *Service) JobLedger(ctx context.Context, jobID string) (model.Ledger, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return model.Ledger{}, err
	}
	l, err := s.Store.LedgerForJob(ctx, jobID)
	if err != nil {
		return model.Ledger{}, storeErr("service.job_ledger", err)
	}
	return l, ledger.Validate(l)
}

func (s *Service) Ready(ctx context.Context) error {
	return s.Store.Ping(ctx)
}
