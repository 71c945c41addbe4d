package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridernav/internal/apperr"
	"ridernav/internal/clock"
	"ridernav/internal/dispatch"
	"ridernav/internal/events"
	"ridernav/internal/insertion"
	"ridernav/internal/model"
	"ridernav/internal/solver"
	"ridernav/internal/store"
	"ridernav/internal/travel"
)

var (
	now   = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	depot = model.GeoPoint{Lat: 17.4, Lng: 78.4}
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Emit(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.got))
	for i, e := range r.got {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc    *Service
	mem    *store.Memory
	replay *solver.Replay
	events *recorder
}

func newFixture(t *testing.T, st store.Store, mem *store.Memory, timeout time.Duration) *fixture {
	t.Helper()
	cal := clock.NewCalendar(clock.Fixed(now), 4*time.Hour+30*time.Minute, time.UTC)
	est := travel.NewEstimator(1.25, 30, 0, 1)
	replay := solver.NewReplay(map[solver.Kind]string{})
	gw := solver.NewGateway(replay, timeout, nil)
	rec := &recorder{}
	svc := New(Options{
		Store:      st,
		Dispatcher: &dispatch.Engine{Solver: gw, Travel: est, Calendar: cal, Depot: depot},
		Inserter:   &insertion.Engine{Solver: gw, Travel: est, Calendar: cal, Depot: depot},
		Routes:     est,
		Calendar:   cal,
		Depot:      depot,
		Events:     rec,
	})
	return &fixture{svc: svc, mem: mem, replay: replay, events: rec}
}

func setup(t *testing.T) *fixture {
	mem := store.NewMemory().WithClock(func() time.Time { return now })
	return newFixture(t, mem, mem, time.Second)
}

func (f *fixture) rider(t *testing.T, name string) model.Rider {
	t.Helper()
	r, err := f.svc.CreateRider(context.Background(), model.RiderInput{Name: name, Capacity: 20})
	require.NoError(t, err)
	return r
}

func (f *fixture) delivery(t *testing.T, lat, lng float64) model.Job {
	t.Helper()
	j, err := f.svc.CreateJob(context.Background(), model.JobInput{
		Kind:        model.KindDelivery,
		Parcels:     []model.ParcelIn{{Volume: 2, Weight: 1}},
		Destination: model.Location{Address: "street", Point: &model.GeoPoint{Lat: lat, Lng: lng}},
		Deadline:    now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	return j
}

func (f *fixture) pickup(t *testing.T) model.Job {
	t.Helper()
	j, err := f.svc.CreateJob(context.Background(), model.JobInput{
		Kind:     model.KindPickup,
		Parcels:  []model.ParcelIn{{Volume: 1, Weight: 1, Location: &model.GeoPoint{Lat: 17.42, Lng: 78.41}}},
		Deadline: now.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	return j
}

func (f *fixture) status(t *testing.T, id string) model.Status {
	t.Helper()
	j, err := f.mem.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

// dispatched runs a batch that gives every delivery to the first rider.
func (f *fixture) dispatched(t *testing.T) (model.Ledger, []model.Job) {
	t.Helper()
	f.rider(t, "Asha")
	jobs := []model.Job{f.delivery(t, 17.45, 78.42), f.delivery(t, 17.38, 78.48)}
	f.replay.Output[solver.KindDispatch] = "1 2 -1"
	res, err := f.svc.Dispatch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 1)
	return res.Ledgers[0], jobs
}

func TestDispatchCommitsLedgers(t *testing.T) {
	f := setup(t)
	r1 := f.rider(t, "Asha")
	r2 := f.rider(t, "Ravi")
	j1 := f.delivery(t, 17.45, 78.42)
	j2 := f.delivery(t, 17.38, 78.48)
	j3 := f.delivery(t, 17.41, 78.39)
	f.replay.Output[solver.KindDispatch] = "2 1 -1 -1"

	res, err := f.svc.Dispatch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 1)
	l := res.Ledgers[0]
	assert.Equal(t, r1.ID, l.Rider.ID)
	assert.Equal(t, "2026-03-10", l.PlanDate)
	assert.Equal(t, []string{j2.ID, j1.ID}, []string{l.Entries[0].JobID, l.Entries[1].JobID})
	assert.Equal(t, []string{j3.ID}, res.Unassigned)

	assert.Equal(t, model.StatusDispatched, f.status(t, j1.ID))
	assert.Equal(t, model.StatusDispatched, f.status(t, j2.ID))
	assert.Equal(t, model.StatusUndispatched, f.status(t, j3.ID), "left out jobs go back")

	got, err := f.mem.GetJob(context.Background(), j2.ID)
	require.NoError(t, err)
	require.Len(t, got.Route, 1)
	assert.Equal(t, depot, got.Route[0].Polyline[0], "first stop starts at the depot")

	// r1 is busy today, so the next batch only offers r2
	f.replay.Output[solver.KindDispatch] = "1 -1"
	res, err = f.svc.Dispatch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 1)
	assert.Equal(t, r2.ID, res.Ledgers[0].Rider.ID)

	assert.Contains(t, f.events.types(), events.LedgerCreated)
	assert.Contains(t, f.events.types(), events.DispatchCompleted)
}

func TestDispatchTimeoutRevertsJobs(t *testing.T) {
	mem := store.NewMemory().WithClock(func() time.Time { return now })
	f := newFixture(t, mem, mem, 20*time.Millisecond)
	f.replay.Delay = time.Second
	f.replay.Output[solver.KindDispatch] = "1 -1"
	f.rider(t, "Asha")
	j := f.delivery(t, 17.45, 78.42)

	_, err := f.svc.Dispatch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSolver))
	assert.Equal(t, model.StatusUndispatched, f.status(t, j.ID))
	assert.Contains(t, f.events.types(), events.DispatchFailed)

	ls, err := f.svc.TodayLedgers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ls)
}

// lateLedgerStore gives rider a ledger just before the batch is written,
// as a second dispatcher would.
type lateLedgerStore struct {
	*store.Memory
	rider model.Rider
}

func (s *lateLedgerStore) CreateLedgers(ctx context.Context, ls []model.Ledger) ([]model.Ledger, error) {
	if _, err := s.Memory.CreateLedger(ctx, model.Ledger{Rider: s.rider, PlanDate: ls[0].PlanDate}); err != nil {
		return nil, err
	}
	return s.Memory.CreateLedgers(ctx, ls)
}

func TestDispatchCommitsAllLedgersOrNone(t *testing.T) {
	f := setup(t)
	f.rider(t, "Asha")
	r2 := f.rider(t, "Ravi")
	j1 := f.delivery(t, 17.45, 78.42)
	j2 := f.delivery(t, 17.38, 78.48)
	f.svc.Store = &lateLedgerStore{Memory: f.mem, rider: r2}
	f.replay.Output[solver.KindDispatch] = "1 -1 2 -1"

	res, err := f.svc.Dispatch(context.Background())
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Empty(t, res.Ledgers)

	ls, err := f.mem.ListLedgers(context.Background(), "2026-03-10")
	require.NoError(t, err)
	require.Len(t, ls, 1, "only the other writer's ledger exists")
	assert.Equal(t, r2.ID, ls[0].Rider.ID)
	assert.Empty(t, ls[0].Entries)
	assert.Equal(t, model.StatusUndispatched, f.status(t, j1.ID))
	assert.Equal(t, model.StatusUndispatched, f.status(t, j2.ID))
	assert.Contains(t, f.events.types(), events.DispatchFailed)
	assert.NotContains(t, f.events.types(), events.LedgerCreated)
}

func TestAdvanceStatusWaitsOutDispatch(t *testing.T) {
	f := setup(t)
	f.rider(t, "Asha")
	j := f.delivery(t, 17.45, 78.42)
	f.replay.Output[solver.KindDispatch] = "1 -1"
	f.replay.Delay = 200 * time.Millisecond
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Dispatch(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.replay.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatusDispatching, f.status(t, j.ID))

	_, err := f.svc.AdvanceStatus(ctx, j.ID, model.StatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.AdvanceStatus(ctx, j.ID, model.StatusCancelled)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, <-done)
	assert.Equal(t, model.StatusDispatched, f.status(t, j.ID))
	l, err := f.svc.JobLedger(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, l.Entries[0].JobID)
}

// claimingStore has a dispatch claim the job between the caller's read and
// its write.
type claimingStore struct {
	*store.Memory
	once sync.Once
}

func (c *claimingStore) LedgerForJob(ctx context.Context, jobID string) (model.Ledger, error) {
	c.once.Do(func() {
		_ = c.Memory.TransitionJobs(ctx, []string{jobID}, model.StatusUndispatched, model.StatusDispatching)
	})
	return c.Memory.LedgerForJob(ctx, jobID)
}

func TestAdvanceStatusLosesToDispatchClaim(t *testing.T) {
	f := setup(t)
	j := f.delivery(t, 17.45, 78.42)
	f.svc.Store = &claimingStore{Memory: f.mem}

	_, err := f.svc.AdvanceStatus(context.Background(), j.ID, model.StatusCancelled)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, model.StatusDispatching, f.status(t, j.ID), "the claim stands")
}

func TestDispatchValidationMutatesNothing(t *testing.T) {
	f := setup(t)
	j := f.delivery(t, 17.45, 78.42)

	_, err := f.svc.Dispatch(context.Background())
	assert.ErrorIs(t, err, apperr.ErrValidation, "no riders")
	assert.Equal(t, model.StatusUndispatched, f.status(t, j.ID))
	assert.Zero(t, f.replay.Calls())
}

func TestAddPickupInsertsIntoLiveLedger(t *testing.T) {
	f := setup(t)
	l, jobs := f.dispatched(t)
	p := f.pickup(t)
	f.replay.Output[solver.KindPickup] = "0 0"

	res, err := f.svc.AddPickup(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, res.Assigned)
	require.NotNil(t, res.Ledger)
	assert.Equal(t, 0, res.AfterIndex)
	assert.Equal(t, l.Version+1, res.Ledger.Version)

	got := res.Ledger.Entries
	require.Len(t, got, 3)
	assert.Equal(t, []string{jobs[0].ID, p.ID, jobs[1].ID}, []string{got[0].JobID, got[1].JobID, got[2].JobID})
	assert.Equal(t, 0.5, got[1].OrderKey)
	assert.Equal(t, model.StatusDispatched, got[1].Job.Status)
	assert.Equal(t, l.Rider.ID, got[1].Job.RiderID)

	assert.Contains(t, f.events.types(), events.PickupAssigned)

	// the same pickup cannot be placed twice
	_, err = f.svc.AddPickup(context.Background(), p.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAddPickupNoRiderRevertsJob(t *testing.T) {
	f := setup(t)
	f.dispatched(t)
	p := f.pickup(t)
	f.replay.Output[solver.KindPickup] = "-1"

	res, err := f.svc.AddPickup(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Nil(t, res.Ledger)
	assert.Equal(t, model.StatusUndispatched, f.status(t, p.ID))
	assert.Contains(t, f.events.types(), events.PickupUnassigned)
}

func TestAddPickupSolverFailureRevertsJob(t *testing.T) {
	f := setup(t)
	f.dispatched(t)
	p := f.pickup(t)
	f.replay.Output[solver.KindPickup] = "0 9"

	_, err := f.svc.AddPickup(context.Background(), p.ID)
	assert.ErrorIs(t, err, apperr.ErrSolver)
	assert.Equal(t, model.StatusUndispatched, f.status(t, p.ID))
}

func TestAddPickupRejectsDeliveries(t *testing.T) {
	f := setup(t)
	j := f.delivery(t, 17.45, 78.42)
	_, err := f.svc.AddPickup(context.Background(), j.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.AddPickup(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// racingStore lets another writer bump the ledger right before our update.
type racingStore struct {
	*store.Memory
	once sync.Once
}

func (r *racingStore) UpdateLedger(ctx context.Context, id string, upd store.LedgerUpdate, v int) (model.Ledger, error) {
	r.once.Do(func() {
		_, _ = r.Memory.UpdateLedger(ctx, id, store.LedgerUpdate{}, v)
	})
	return r.Memory.UpdateLedger(ctx, id, upd, v)
}

func TestAddPickupStaleLedgerFailsClosed(t *testing.T) {
	f := setup(t)
	l, _ := f.dispatched(t)

	rs := &racingStore{Memory: f.mem}
	f.svc.Store = rs
	p := f.pickup(t)
	f.replay.Output[solver.KindPickup] = "0 1"

	_, err := f.svc.AddPickup(context.Background(), p.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, model.StatusUndispatched, f.status(t, p.ID))

	got, err := f.svc.Ledger(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Len(t, got.Entries, 2, "stale write left the ledger alone")
}

// releasingStore puts the pickup back to UNDISPATCHED right before the ledger
// write, as an operator reset would.
type releasingStore struct {
	*store.Memory
	jobID string
}

func (r *releasingStore) UpdateLedger(ctx context.Context, id string, upd store.LedgerUpdate, v int) (model.Ledger, error) {
	_ = r.Memory.TransitionJobs(ctx, []string{r.jobID}, model.StatusDispatching, model.StatusUndispatched)
	return r.Memory.UpdateLedger(ctx, id, upd, v)
}

func TestAddPickupNeedsJobStillDispatching(t *testing.T) {
	f := setup(t)
	l, _ := f.dispatched(t)
	p := f.pickup(t)
	f.svc.Store = &releasingStore{Memory: f.mem, jobID: p.ID}
	f.replay.Output[solver.KindPickup] = "0 1"

	_, err := f.svc.AddPickup(context.Background(), p.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, model.StatusUndispatched, f.status(t, p.ID))

	got, err := f.svc.Ledger(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Version, got.Version)
	assert.Len(t, got.Entries, 2)
}

func TestAddPickupsPlacesInOrder(t *testing.T) {
	f := setup(t)
	l, jobs := f.dispatched(t)
	p1 := f.pickup(t)
	p2 := f.pickup(t)
	f.replay.Output[solver.KindPickup] = "0 1"

	res, err := f.svc.AddPickups(context.Background(), []string{p1.ID, p2.ID})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, p1.ID, res[0].JobID)
	assert.Equal(t, p2.ID, res[1].JobID)
	assert.Equal(t, l.Version+1, res[0].Ledger.Version)
	assert.Equal(t, l.Version+2, res[1].Ledger.Version, "second placement sees the first")

	got := res[1].Ledger.Entries
	require.Len(t, got, 4)
	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID, p2.ID, p1.ID},
		[]string{got[0].JobID, got[1].JobID, got[2].JobID, got[3].JobID})
}

func TestAddPickupsStopsAtFirstFailure(t *testing.T) {
	f := setup(t)
	f.dispatched(t)
	p1 := f.pickup(t)
	d := f.delivery(t, 17.4, 78.41)
	p3 := f.pickup(t)
	f.replay.Output[solver.KindPickup] = "0 1"

	res, err := f.svc.AddPickups(context.Background(), []string{p1.ID, d.ID, p3.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	require.Len(t, res, 1)
	assert.True(t, res[0].Assigned)
	assert.Equal(t, model.StatusDispatched, f.status(t, p1.ID))
	assert.Equal(t, model.StatusUndispatched, f.status(t, d.ID))
	assert.Equal(t, model.StatusUndispatched, f.status(t, p3.ID), "jobs after the failure are not attempted")
	assert.Equal(t, 2, f.replay.Calls(), "one dispatch and one pickup")

	_, err = f.svc.AddPickups(context.Background(), []string{p3.ID, p3.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.AddPickups(context.Background(), nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAdvanceStatusMovesCursor(t *testing.T) {
	f := setup(t)
	l, jobs := f.dispatched(t)
	ctx := context.Background()

	_, err := f.svc.AdvanceStatus(ctx, jobs[1].ID, model.StatusInProgress)
	assert.ErrorIs(t, err, apperr.ErrValidation, "only the job at the cursor can move")

	j, err := f.svc.AdvanceStatus(ctx, jobs[0].ID, model.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, j.Status)

	_, err = f.svc.AdvanceStatus(ctx, jobs[0].ID, model.StatusDispatched)
	assert.ErrorIs(t, err, apperr.ErrValidation, "no going back")

	_, err = f.svc.AdvanceStatus(ctx, jobs[0].ID, model.StatusCompleted)
	require.NoError(t, err)
	got, err := f.svc.Ledger(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, l.Version+2, got.Version)

	_, err = f.svc.AdvanceStatus(ctx, jobs[1].ID, model.StatusCancelled)
	assert.ErrorIs(t, err, apperr.ErrValidation, "live route stops cannot be cancelled")

	assert.Contains(t, f.events.types(), events.JobStatusChanged)
}

func TestAdvanceStatusWithoutLedger(t *testing.T) {
	f := setup(t)
	j := f.delivery(t, 17.45, 78.42)
	ctx := context.Background()

	_, err := f.svc.AdvanceStatus(ctx, j.ID, model.StatusDispatching)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	out, err := f.svc.AdvanceStatus(ctx, j.ID, model.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, out.Status)

	_, err = f.svc.AdvanceStatus(ctx, j.ID, model.StatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestIntakeValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cases := map[string]model.JobInput{
		"no parcels":       {Destination: model.Location{Point: &depot}, Deadline: now},
		"two parcels":      {Parcels: []model.ParcelIn{{Volume: 1}, {Volume: 1}}, Destination: model.Location{Point: &depot}, Deadline: now},
		"zero volume":      {Parcels: []model.ParcelIn{{Volume: 0}}, Destination: model.Location{Point: &depot}, Deadline: now},
		"no deadline":      {Parcels: []model.ParcelIn{{Volume: 1}}, Destination: model.Location{Point: &depot}},
		"no destination":   {Parcels: []model.ParcelIn{{Volume: 1}}, Deadline: now},
		"pickup no origin": {Kind: model.KindPickup, Parcels: []model.ParcelIn{{Volume: 1}}, Deadline: now},
		"bad kind":         {Kind: "teleport", Parcels: []model.ParcelIn{{Volume: 1}}, Deadline: now},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateJob(ctx, in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	_, err := f.svc.CreateRider(ctx, model.RiderInput{Name: "x", Capacity: 0})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestScanParcelOnlyBeforeDispatch(t *testing.T) {
	f := setup(t)
	_, jobs := f.dispatched(t)
	j := f.delivery(t, 17.4, 78.41)
	ctx := context.Background()

	out, err := f.svc.ScanParcel(ctx, j.ID, model.ParcelScan{Volume: 4, Weight: 2})
	require.NoError(t, err)
	assert.Equal(t, 4.0, out.Parcels[0].Volume)
	require.NotNil(t, out.Parcels[0].ScannedAt)
	assert.Equal(t, now, *out.Parcels[0].ScannedAt)

	_, err = f.svc.ScanParcel(ctx, jobs[0].ID, model.ParcelScan{Volume: 4})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLocalSequencerHonoursContext(t *testing.T) {
	s := NewLocalSequencer()
	release, err := s.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := s.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release2()
}
