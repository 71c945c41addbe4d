package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridernav/internal/apperr"
	"ridernav/internal/clock"
	"ridernav/internal/model"
	"ridernav/internal/solver"
	"ridernav/internal/travel"
)

var (
	now   = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	start = time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)
	depot = model.GeoPoint{Lat: 17.4, Lng: 78.4}
)

func pt(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func delivery(id string, vol float64, at *model.GeoPoint, deadline time.Time) model.Job {
	return model.Job{
		ID:          id,
		Kind:        model.KindDelivery,
		Parcels:     []model.Parcel{{ID: "p-" + id, Volume: vol, Weight: 1}},
		Destination: model.Location{Point: at},
		Deadline:    deadline,
		Status:      model.StatusDispatching,
	}
}

func engine(r solver.Runner) (*Engine, *travel.Estimator) {
	est := travel.NewEstimator(1.25, 30, 0, 1)
	return &Engine{
		Solver:   r,
		Travel:   est,
		Calendar: clock.NewCalendar(clock.Fixed(now), 4*time.Hour+30*time.Minute, time.UTC),
		Depot:    depot,
	}, est
}

func TestDispatchEncodesProtocolAndDecodesRoutes(t *testing.T) {
	jobs := []model.Job{
		delivery("j1", 3.7, pt(17.45, 78.42), start.Add(time.Hour)),
		delivery("j2", 5, pt(17.38, 78.48), start.Add(2*time.Hour)),
	}
	riders := []model.Rider{{ID: "r1", Capacity: 10}, {ID: "r2", Capacity: 20.9}}
	r := solver.NewReplay(map[solver.Kind]string{solver.KindDispatch: "2\n1\n-1\n-1\n"})
	e, est := engine(r)

	plan, err := e.Dispatch(context.Background(), jobs, riders)
	require.NoError(t, err)

	m := est.Matrix([]model.GeoPoint{depot, *jobs[0].Destination.Point, *jobs[1].Destination.Point})
	want := []string{"2"}
	for i := range m {
		for j := range m[i] {
			want = append(want, solver.Int(m[i][j]))
		}
	}
	want = append(want,
		"3", "5",
		"3600", "7200",
		"17.4", "78.4",
		"17.45", "78.42",
		"17.38", "78.48",
		"1", "1", "1",
		"2", "10", "20",
	)
	assert.Equal(t, want, r.Input(solver.KindDispatch))
	assert.Equal(t, "0", r.Input(solver.KindDispatch)[1])

	require.Len(t, plan.Routes, 1)
	assert.Equal(t, "r1", plan.Routes[0].Rider.ID)
	assert.Equal(t, "j2", plan.Routes[0].Jobs[0].ID)
	assert.Equal(t, "j1", plan.Routes[0].Jobs[1].ID)
	assert.Equal(t, []model.Assignment{{JobID: "j2", RiderID: "r1"}, {JobID: "j1", RiderID: "r1"}}, plan.Assignments)
	assert.Empty(t, plan.Unassigned)
}

func TestDispatchPickupUsesParcelLocation(t *testing.T) {
	j := delivery("j1", 1, nil, start.Add(time.Hour))
	j.Kind = model.KindPickup
	j.Parcels[0].Location = pt(17.5, 78.5)
	r := solver.NewReplay(map[solver.Kind]string{solver.KindDispatch: "-1"})
	e, _ := engine(r)

	plan, err := e.Dispatch(context.Background(), []model.Job{j}, []model.Rider{{ID: "r1", Capacity: 4}})
	require.NoError(t, err)
	in := r.Input(solver.KindDispatch)
	// 1 + 2x2 matrix + volume + deadline + depot, then the job coordinate
	assert.Equal(t, []string{"17.5", "78.5"}, in[9:11])
	assert.Empty(t, plan.Routes)
	assert.Equal(t, []string{"j1"}, plan.Unassigned)
}

func TestDispatchValidation(t *testing.T) {
	good := delivery("ok", 1, pt(17.41, 78.41), start.Add(time.Hour))
	riders := []model.Rider{{ID: "r1", Capacity: 5}}

	zeroVol := delivery("z", 0, pt(17.41, 78.41), start.Add(time.Hour))
	twoParcels := good
	twoParcels.ID = "two"
	twoParcels.Parcels = []model.Parcel{{Volume: 1}, {Volume: 2}}
	noParcel := good
	noParcel.ID = "none"
	noParcel.Parcels = nil
	atStart := delivery("s", 1, pt(17.41, 78.41), start)
	past := delivery("p", 1, pt(17.41, 78.41), start.Add(-time.Hour))
	noLoc := delivery("l", 1, nil, start.Add(time.Hour))

	cases := map[string]struct {
		jobs   []model.Job
		riders []model.Rider
	}{
		"zero volume":       {[]model.Job{good, zeroVol}, riders},
		"two parcels":       {[]model.Job{twoParcels}, riders},
		"no parcel":         {[]model.Job{noParcel}, riders},
		"deadline at start": {[]model.Job{atStart}, riders},
		"deadline in past":  {[]model.Job{past}, riders},
		"no location":       {[]model.Job{noLoc}, riders},
		"zero capacity":     {[]model.Job{good}, []model.Rider{{ID: "r0", Capacity: 0}}},
		"duplicate rider":   {[]model.Job{good}, []model.Rider{{ID: "r1", Capacity: 1}, {ID: "r1", Capacity: 2}}},
		"no riders":         {[]model.Job{good}, nil},
		"no jobs":           {nil, riders},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := solver.NewReplay(map[solver.Kind]string{solver.KindDispatch: "1 -1"})
			e, _ := engine(r)
			_, err := e.Dispatch(context.Background(), tc.jobs, tc.riders)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation), err.Error())
			assert.Equal(t, 0, r.Calls(), "solver must not run on invalid input")
		})
	}
}

func TestDispatchRejectsBadAnswers(t *testing.T) {
	jobs := []model.Job{
		delivery("j1", 1, pt(17.45, 78.42), start.Add(time.Hour)),
		delivery("j2", 1, pt(17.38, 78.48), start.Add(time.Hour)),
	}
	riders := []model.Rider{{ID: "r1", Capacity: 10}, {ID: "r2", Capacity: 10}}
	for name, out := range map[string]string{
		"index too large": "3 -1 -1",
		"zero index":      "0 -1 -1",
		"duplicate":       "1 -1 1 -1",
		"short":           "1 -1",
		"garbage":         "x",
	} {
		t.Run(name, func(t *testing.T) {
			e, _ := engine(solver.NewReplay(map[solver.Kind]string{solver.KindDispatch: out}))
			_, err := e.Dispatch(context.Background(), jobs, riders)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrSolver), err.Error())
		})
	}
}

func TestDispatchEveryJobInExactlyOneRoute(t *testing.T) {
	jobs := []model.Job{
		delivery("a", 1, pt(17.45, 78.42), start.Add(time.Hour)),
		delivery("b", 1, pt(17.38, 78.48), start.Add(time.Hour)),
		delivery("c", 1, pt(17.40, 78.50), start.Add(time.Hour)),
		delivery("d", 1, pt(17.42, 78.39), start.Add(time.Hour)),
	}
	riders := []model.Rider{{ID: "r1", Capacity: 10}, {ID: "r2", Capacity: 10}, {ID: "r3", Capacity: 10}}
	e, _ := engine(solver.NewReplay(map[solver.Kind]string{solver.KindDispatch: "4 1 -1 -1 3 -1"}))

	plan, err := e.Dispatch(context.Background(), jobs, riders)
	require.NoError(t, err)
	count := map[string]int{}
	for _, r := range plan.Routes {
		for _, j := range r.Jobs {
			count[j.ID]++
		}
	}
	for id, n := range count {
		assert.Equal(t, 1, n, id)
	}
	assert.Len(t, plan.Assignments, 3)
	assert.Equal(t, []string{"b"}, plan.Unassigned)
	assert.Equal(t, "r3", plan.Routes[1].Rider.ID)
}

func TestDispatchTimeoutIsSolverFailure(t *testing.T) {
	r := solver.NewReplay(map[solver.Kind]string{solver.KindDispatch: "1 -1"})
	r.Delay = time.Hour
	e, _ := engine(solver.NewGateway(r, 20*time.Millisecond, nil))
	_, err := e.Dispatch(context.Background(),
		[]model.Job{delivery("j1", 1, pt(17.45, 78.42), start.Add(time.Hour))},
		[]model.Rider{{ID: "r1", Capacity: 1}})
	assert.True(t, errors.Is(err, apperr.ErrSolver))
}
