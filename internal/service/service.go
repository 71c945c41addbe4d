// Package service runs the dispatch workflows against the store: status
// bookkeeping around the engines, ledger commits with version checks and the
// events that follow each change.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ridernav/internal/apperr"
	"ridernav/internal/clock"
	"ridernav/internal/dispatch"
	"ridernav/internal/events"
	"ridernav/internal/insertion"
	"ridernav/internal/ledger"
	"ridernav/internal/metrics"
	"ridernav/internal/model"
	"ridernav/internal/store"
)

// Segmenter builds the stored route leg between two stops.
type Segmenter interface {
	Segment(a, b model.GeoPoint, instruction string) model.RouteSegment
}

type Service struct {
	Store      store.Store
	Dispatcher *dispatch.Engine
	Inserter   *insertion.Engine
	Routes     Segmenter
	Calendar   clock.Calendar
	Depot      model.GeoPoint
	Events     events.Sink
	Seq        Sequencer
	Log        *zap.Logger

	dispatching sync.Mutex
}

// Options carries the collaborators of New. Nil Events, Seq and Log get
// working defaults.
type Options struct {
	Store      store.Store
	Dispatcher *dispatch.Engine
	Inserter   *insertion.Engine
	Routes     Segmenter
	Calendar   clock.Calendar
	Depot      model.GeoPoint
	Events     events.Sink
	Seq        Sequencer
	Log        *zap.Logger
}

func New(o Options) *Service {
	s := &Service{
		Store:      o.Store,
		Dispatcher: o.Dispatcher,
		Inserter:   o.Inserter,
		Routes:     o.Routes,
		Calendar:   o.Calendar,
		Depot:      o.Depot,
		Events:     o.Events,
		Seq:        o.Seq,
		Log:        o.Log,
	}
	if s.Events == nil {
		s.Events = events.Discard
	}
	if s.Seq == nil {
		s.Seq = NewLocalSequencer()
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	return s
}

// Dispatch assigns every undispatched delivery job to the riders that have
// no ledger today. Jobs are held in DISPATCHING while the optimizer runs and
// go back to UNDISPATCHED if it fails or leaves them out.
func (s *Service) Dispatch(ctx context.Context) (model.DispatchResult, error) {
	const op = "service.dispatch"
	if !s.dispatching.TryLock() {
		return model.DispatchResult{}, apperr.E(apperr.ConcurrencyConflict, op, errors.New("a dispatch is already running"))
	}
	defer s.dispatching.Unlock()

	jobs, err := s.Store.ListJobs(ctx, store.JobFilter{Status: model.StatusUndispatched, Kind: model.KindDelivery})
	if err != nil {
		return model.DispatchResult{}, storeErr(op, err)
	}
	riders, err := s.availableRiders(ctx)
	if err != nil {
		return model.DispatchResult{}, err
	}
	if err := dispatch.Validate(jobs, riders, s.Calendar.DayStartAt(s.Calendar.Now())); err != nil {
		return model.DispatchResult{}, err
	}

	ids := jobIDs(jobs)
	if err := s.Store.TransitionJobs(ctx, ids, model.StatusUndispatched, model.StatusDispatching); err != nil {
		return model.DispatchResult{}, storeErr(op, err)
	}
	s.Log.Info("dispatch started", zap.Int("jobs", len(jobs)), zap.Int("riders", len(riders)))

	plan, err := s.Dispatcher.Dispatch(ctx, jobs, riders)
	if err != nil {
		s.revert(ctx, ids)
		s.emit(ctx, events.New(events.DispatchFailed, map[string]any{"jobs": len(jobs), "error": err.Error()}))
		return model.DispatchResult{}, err
	}

	res := model.DispatchResult{Assignments: plan.Assignments, Ledgers: []model.Ledger{}, Unassigned: plan.Unassigned}
	today := s.Calendar.Today()
	batch := make([]model.Ledger, len(plan.Routes))
	for i, rt := range plan.Routes {
		batch[i] = model.Ledger{Rider: rt.Rider, PlanDate: today, Entries: ledger.New(rt.Jobs)}
	}
	if len(batch) > 0 {
		created, err := s.Store.CreateLedgers(ctx, batch)
		if err != nil {
			s.revert(ctx, ids)
			s.emit(ctx, events.New(events.DispatchFailed, map[string]any{"jobs": len(jobs), "error": err.Error()}))
			return model.DispatchResult{}, storeErr(op, err)
		}
		res.Ledgers = created
	}
	for i, l := range res.Ledgers {
		rt := plan.Routes[i]
		s.saveRoutes(ctx, rt.Jobs)
		metrics.JobsDispatched.WithLabelValues("batch").Add(float64(len(rt.Jobs)))
		e := events.New(events.LedgerCreated, ledgerData(l))
		e.LedgerID, e.RiderID = l.ID, l.Rider.ID
		s.emit(ctx, e)
	}
	if len(plan.Unassigned) > 0 {
		s.revert(ctx, plan.Unassigned)
	}

	s.Log.Info("dispatch committed",
		zap.Int("ledgers", len(res.Ledgers)),
		zap.Int("assigned", len(res.Assignments)),
		zap.Int("unassigned", len(res.Unassigned)))
	s.emit(ctx, events.New(events.DispatchCompleted, map[string]any{
		"ledgers":    len(res.Ledgers),
		"assigned":   len(res.Assignments),
		"unassigned": res.Unassigned,
	}))
	return res, nil
}

// AddPickup slots one pickup job into a live route. Calls are served one at
// a time; each finishes (committed or rolled back) before the next starts.
func (s *Service) AddPickup(ctx context.Context, jobID string) (model.PickupResult, error) {
	const op = "service.add_pickup"
	release, err := s.Seq.Acquire(ctx, "pickup")
	if err != nil {
		return model.PickupResult{}, apperr.E(apperr.ConcurrencyConflict, op, err)
	}
	defer release()
	return s.addPickup(ctx, jobID)
}

// AddPickups places pickups in the order given, holding the sequencer for
// the whole batch. It stops at the first job that fails and returns the
// results so far with the error; jobs after it are left untouched. A pickup
// no rider can take is reported unassigned and the batch goes on.
func (s *Service) AddPickups(ctx context.Context, jobIDs []string) ([]model.PickupResult, error) {
	const op = "service.add_pickups"
	if len(jobIDs) == 0 {
		return nil, apperr.Validationf(op, "at least one job id is required")
	}
	seen := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		if seen[id] {
			return nil, apperr.Validationf(op, "job %s is listed twice", id)
		}
		seen[id] = true
	}
	release, err := s.Seq.Acquire(ctx, "pickup")
	if err != nil {
		return nil, apperr.E(apperr.ConcurrencyConflict, op, err)
	}
	defer release()

	out := make([]model.PickupResult, 0, len(jobIDs))
	for i, id := range jobIDs {
		res, err := s.addPickup(ctx, id)
		if err != nil {
			s.Log.Warn("pickup batch stopped",
				zap.String("job", id), zap.Int("placed", i), zap.Int("left", len(jobIDs)-i-1), zap.Error(err))
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// addPickup expects the caller to hold the pickup sequencer.
func (s *Service) addPickup(ctx context.Context, jobID string) (model.PickupResult, error) {
	const op = "service.add_pickup"
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return model.PickupResult{}, storeErr(op, err)
	}
	if job.Kind != model.KindPickup {
		return model.PickupResult{}, apperr.Validationf(op, "job %s is a %s job", job.ID, job.Kind)
	}
	if job.Status != model.StatusUndispatched {
		return model.PickupResult{}, apperr.Validationf(op, "job %s is %s, want %s", job.ID, job.Status, model.StatusUndispatched)
	}

	if err := s.Store.TransitionJobs(ctx, []string{job.ID}, model.StatusUndispatched, model.StatusDispatching); err != nil {
		return model.PickupResult{}, storeErr(op, err)
	}
	job.Status = model.StatusDispatching

	res, err := s.placePickup(ctx, job)
	if err != nil || !res.Assigned {
		s.revert(ctx, []string{job.ID})
	}
	if err != nil {
		return model.PickupResult{}, err
	}
	if !res.Assigned {
		e := events.New(events.PickupUnassigned, nil)
		e.JobID = job.ID
		s.emit(ctx, e)
	}
	return res, nil
}

func (s *Service) placePickup(ctx context.Context, job model.Job) (model.PickupResult, error) {
	const op = "service.add_pickup"
	ledgers, err := s.TodayLedgers(ctx)
	if err != nil {
		return model.PickupResult{}, err
	}
	pl, err := s.Inserter.AddPickup(ctx, job, ledgers)
	if err != nil {
		return model.PickupResult{}, err
	}
	if !pl.Found {
		s.Log.Info("pickup has no feasible rider", zap.String("job", job.ID))
		return model.PickupResult{JobID: job.ID}, nil
	}

	entries, err := ledger.Insert(pl.Ledger.Entries, job, pl.AfterIndex)
	if err != nil {
		return model.PickupResult{}, err
	}
	l, err := s.Store.UpdateLedger(ctx, pl.Ledger.ID, store.LedgerUpdate{
		Entries: entries,
		Jobs:    []store.JobUpdate{{JobID: job.ID, From: model.StatusDispatching, Status: model.StatusDispatched, RiderID: pl.Ledger.Rider.ID}},
	}, pl.Ledger.Version)
	if err != nil {
		return model.PickupResult{}, storeErr(op, err)
	}

	if target, ok := job.Target(); ok && s.Routes != nil {
		from := s.Depot
		if pl.AfterIndex >= 0 {
			if p, ok := pl.Ledger.Entries[pl.AfterIndex].Job.Target(); ok {
				from = p
			}
		}
		seg := s.Routes.Segment(from, target, "pick up parcel")
		if err := s.Store.SaveJobRoute(ctx, job.ID, []model.RouteSegment{seg}); err != nil {
			s.Log.Warn("save pickup route", zap.String("job", job.ID), zap.Error(err))
		}
	}

	metrics.JobsDispatched.WithLabelValues("pickup").Inc()
	s.Log.Info("pickup inserted",
		zap.String("job", job.ID),
		zap.String("ledger", l.ID),
		zap.Int("after", pl.AfterIndex),
		zap.Int("version", l.Version))

	e := events.New(events.PickupAssigned, map[string]any{"afterIndex": pl.AfterIndex})
	e.LedgerID, e.JobID, e.RiderID = l.ID, job.ID, l.Rider.ID
	s.emit(ctx, e)
	u := events.New(events.LedgerUpdated, ledgerData(l))
	u.LedgerID, u.RiderID = l.ID, l.Rider.ID
	s.emit(ctx, u)

	return model.PickupResult{JobID: job.ID, Assigned: true, AfterIndex: pl.AfterIndex, Ledger: &l}, nil
}

// AdvanceStatus moves a job forward. A job on a ledger must be the one at the
// cursor, and completing it moves the cursor in the same write.
func (s *Service) AdvanceStatus(ctx context.Context, jobID string, next model.Status) (model.Job, error) {
	const op = "service.advance_status"
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, storeErr(op, err)
	}
	if next == model.StatusDispatching {
		return model.Job{}, apperr.Validationf(op, "%s is set by dispatch only", next)
	}
	if job.Status == model.StatusDispatching {
		return model.Job{}, apperr.Validationf(op, "job %s is being dispatched", jobID)
	}

	l, err := s.Store.LedgerForJob(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := model.CheckAdvance(job.Status, next); err != nil {
			return model.Job{}, apperr.E(apperr.Validation, op, err)
		}
		// conditional on the status just read so a dispatch claiming the job
		// in between wins
		if err := s.Store.TransitionJobs(ctx, []string{jobID}, job.Status, next); err != nil {
			return model.Job{}, storeErr(op, err)
		}
		out, err := s.Store.GetJob(ctx, jobID)
		if err != nil {
			return model.Job{}, storeErr(op, err)
		}
		s.statusChanged(ctx, "", job.Status, out)
		return out, nil
	case err != nil:
		return model.Job{}, storeErr(op, err)
	}

	if err := ledger.Validate(l); err != nil {
		return model.Job{}, err
	}
	cursor, err := ledger.Advance(l, jobID, next)
	if err != nil {
		return model.Job{}, err
	}
	l2, err := s.Store.UpdateLedger(ctx, l.ID, store.LedgerUpdate{
		Cursor: &cursor,
		Jobs:   []store.JobUpdate{{JobID: jobID, From: l.Entries[l.IndexOf(jobID)].Job.Status, Status: next}},
	}, l.Version)
	if err != nil {
		return model.Job{}, storeErr(op, err)
	}
	out := l2.Entries[l2.IndexOf(jobID)].Job
	s.statusChanged(ctx, l2.ID, job.Status, out)
	u := events.New(events.LedgerUpdated, ledgerData(l2))
	u.LedgerID, u.RiderID = l2.ID, l2.Rider.ID
	s.emit(ctx, u)
	return out, nil
}

func (s *Service) statusChanged(ctx context.Context, ledgerID string, from model.Status, j model.Job) {
	s.Log.Info("job status changed", zap.String("job", j.ID), zap.String("from", string(from)), zap.String("to", string(j.Status)))
	e := events.New(events.JobStatusChanged, map[string]any{"from": from, "to": j.Status})
	e.LedgerID, e.JobID, e.RiderID = ledgerID, j.ID, j.RiderID
	s.emit(ctx, e)
}

// availableRiders are riders without a ledger for today.
func (s *Service) availableRiders(ctx context.Context) ([]model.Rider, error) {
	const op = "service.available_riders"
	riders, err := s.Store.ListRiders(ctx)
	if err != nil {
		return nil, storeErr(op, err)
	}
	ls, err := s.Store.ListLedgers(ctx, s.Calendar.Today())
	if err != nil {
		return nil, storeErr(op, err)
	}
	busy := map[string]bool{}
	for _, l := range ls {
		busy[l.Rider.ID] = true
	}
	out := []model.Rider{}
	for _, r := range riders {
		if !busy[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// saveRoutes stores, for each job of a route, the leg that leads to it.
func (s *Service) saveRoutes(ctx context.Context, jobs []model.Job) {
	if s.Routes == nil {
		return
	}
	from := s.Depot
	for i, j := range jobs {
		to, ok := j.Target()
		if !ok {
			continue
		}
		seg := s.Routes.Segment(from, to, fmt.Sprintf("stop %d: deliver to %s", i+1, j.Destination.Address))
		if err := s.Store.SaveJobRoute(ctx, j.ID, []model.RouteSegment{seg}); err != nil {
			s.Log.Warn("save job route", zap.String("job", j.ID), zap.Error(err))
		}
		from = to
	}
}

// revert puts DISPATCHING jobs back to UNDISPATCHED. It runs even when ctx
// has ended, since a timed-out request is the usual reason to revert.
func (s *Service) revert(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.Store.TransitionJobs(ctx, ids, model.StatusDispatching, model.StatusUndispatched); err != nil {
		// fall back to one at a time so a single odd job does not strand the rest
		for _, id := range ids {
			if err := s.Store.TransitionJobs(ctx, []string{id}, model.StatusDispatching, model.StatusUndispatched); err != nil {
				s.Log.Error("revert job status", zap.String("job", id), zap.Error(err))
			}
		}
	}
	s.Log.Info("jobs reverted", zap.Int("count", len(ids)))
}

func (s *Service) emit(ctx context.Context, e events.Event) {
	if err := s.Events.Emit(context.WithoutCancel(ctx), e); err != nil {
		s.Log.Warn("emit event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func ledgerData(l model.Ledger) map[string]any {
	ids := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		ids[i] = e.JobID
	}
	return map[string]any{
		"planDate": l.PlanDate,
		"version":  l.Version,
		"cursor":   l.Cursor,
		"jobIds":   ids,
	}
}

func jobIDs(jobs []model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

// storeErr classifies store failures for the API.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.KindOf(err) != apperr.Unknown:
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.E(apperr.NotFound, op, err)
	case errors.Is(err, store.ErrVersionConflict):
		metrics.LedgerConflicts.Inc()
		return apperr.E(apperr.ConcurrencyConflict, op, err)
	case errors.Is(err, store.ErrLedgerExists), errors.Is(err, store.ErrStatusConflict):
		return apperr.E(apperr.ConcurrencyConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
