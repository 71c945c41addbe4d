// Package dispatch hands a day's undispatched jobs and free riders to the
// external optimizer and turns its answer into per-rider routes.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"ridernav/internal/apperr"
	"ridernav/internal/clock"
	"ridernav/internal/model"
	"ridernav/internal/solver"
)

// Travel is the part of the estimator the engines need.
type Travel interface {
	Estimate(a, b model.GeoPoint) int
	Matrix(points []model.GeoPoint) [][]int
}

type Engine struct {
	Solver   solver.Runner
	Travel   Travel
	Calendar clock.Calendar
	// Depot is where every route starts and ends.
	Depot model.GeoPoint
}

// Route is one rider's ordered jobs as returned by the optimizer.
type Route struct {
	Rider model.Rider
	Jobs  []model.Job
}

// Plan is the decoded dispatch answer. Routes only holds riders that got at
// least one job; Unassigned lists job IDs the optimizer left out.
type Plan struct {
	Routes      []Route
	Assignments []model.Assignment
	Unassigned  []string
}

// Dispatch validates the inputs, solves the assignment and returns the plan.
// Nothing is persisted here.
func (e *Engine) Dispatch(ctx context.Context, jobs []model.Job, riders []model.Rider) (Plan, error) {
	now := e.Calendar.Now()
	if err := Validate(jobs, riders, e.Calendar.DayStartAt(now)); err != nil {
		return Plan{}, err
	}
	p := &problem{
		jobs:     jobs,
		riders:   riders,
		depot:    e.Depot,
		dayStart: e.Calendar.DayStartAt(now),
		travel:   e.Travel,
	}
	routes, err := solver.Solve[[][]int](ctx, e.Solver, p)
	if err != nil {
		if apperr.KindOf(err) == apperr.Unknown {
			return Plan{}, apperr.E(apperr.SolverFailure, "dispatch", err)
		}
		return Plan{}, err
	}
	return buildPlan(jobs, riders, routes), nil
}

// Validate checks the dispatch preconditions. The first violation wins.
func Validate(jobs []model.Job, riders []model.Rider, dayStart time.Time) error {
	const op = "dispatch.validate"
	if len(jobs) == 0 {
		return apperr.Validationf(op, "no jobs to dispatch")
	}
	if len(riders) == 0 {
		return apperr.Validationf(op, "no riders available")
	}
	for _, j := range jobs {
		if err := ValidateJob(j, dayStart); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for _, r := range riders {
		if r.Capacity <= 0 {
			return apperr.Validationf(op, "rider %s capacity must be > 0", r.ID)
		}
		if seen[r.ID] {
			return apperr.Validationf(op, "rider %s listed twice", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// ValidateJob checks a single job: one parcel with positive volume, a known
// target and a deadline after the day start.
func ValidateJob(j model.Job, dayStart time.Time) error {
	const op = "dispatch.validate"
	p, ok := j.Parcel()
	if !ok {
		return apperr.Validationf(op, "job %s has %d parcels, exactly one is supported", j.ID, len(j.Parcels))
	}
	if p.Volume <= 0 {
		return apperr.Validationf(op, "job %s parcel volume must be > 0", j.ID)
	}
	if _, ok := j.Target(); !ok {
		return apperr.Validationf(op, "job %s has no location", j.ID)
	}
	if j.Deadline.IsZero() || !j.Deadline.After(dayStart) {
		return apperr.Validationf(op, "job %s deadline %s is not after day start %s",
			j.ID, j.Deadline.Format(time.RFC3339), dayStart.Format(time.RFC3339))
	}
	return nil
}

func buildPlan(jobs []model.Job, riders []model.Rider, routes [][]int) Plan {
	plan := Plan{Routes: []Route{}, Assignments: []model.Assignment{}, Unassigned: []string{}}
	taken := make([]bool, len(jobs))
	for ri, seq := range routes {
		if len(seq) == 0 {
			continue
		}
		r := Route{Rider: riders[ri], Jobs: make([]model.Job, 0, len(seq))}
		for _, idx := range seq {
			j := jobs[idx]
			taken[idx] = true
			r.Jobs = append(r.Jobs, j)
			plan.Assignments = append(plan.Assignments, model.Assignment{JobID: j.ID, RiderID: riders[ri].ID})
		}
		plan.Routes = append(plan.Routes, r)
	}
	for i, j := range jobs {
		if !taken[i] {
			plan.Unassigned = append(plan.Unassigned, j.ID)
		}
	}
	return plan
}

// problem is the batch dispatch wire format.
type problem struct {
	jobs     []model.Job
	riders   []model.Rider
	depot    model.GeoPoint
	dayStart time.Time
	travel   Travel
}

func (*problem) Kind() solver.Kind { return solver.KindDispatch }

func (p *problem) Encode() ([]string, error) {
	n := len(p.jobs)
	points := make([]model.GeoPoint, 0, n+1)
	points = append(points, p.depot)
	for _, j := range p.jobs {
		pt, ok := j.Target()
		if !ok {
			return nil, apperr.Validationf("dispatch.encode", "job %s has no location", j.ID)
		}
		points = append(points, pt)
	}
	matrix := p.travel.Matrix(points)

	lines := make([]string, 0, 1+(n+1)*(n+1)+4*n+4+len(p.riders))
	lines = append(lines, solver.Int(n))
	for i := range matrix {
		for j := range matrix[i] {
			if i == j {
				lines = append(lines, "0")
				continue
			}
			lines = append(lines, solver.Int(matrix[i][j]))
		}
	}
	for _, j := range p.jobs {
		parcel, _ := j.Parcel()
		lines = append(lines, solver.Int(int(parcel.Volume)))
	}
	for _, j := range p.jobs {
		lines = append(lines, solver.Int(int(j.Deadline.Sub(p.dayStart).Seconds())))
	}
	for _, pt := range points {
		lines = append(lines, solver.Float(pt.Lat), solver.Float(pt.Lng))
	}
	// single depot, every job routes through depot 0
	lines = append(lines, "1")
	for range p.jobs {
		lines = append(lines, "1")
	}
	lines = append(lines, solver.Int(len(p.riders)))
	for _, r := range p.riders {
		lines = append(lines, solver.Int(int(r.Capacity)))
	}
	return lines, nil
}

// Decode reads one -1 terminated sequence of 1-based job indices per rider and
// returns them 0-based.
func (p *problem) Decode(t *solver.Tokens) ([][]int, error) {
	const op = "dispatch.decode"
	n := len(p.jobs)
	owner := make(map[int]int, n)
	out := make([][]int, len(p.riders))
	for ri := range p.riders {
		seq, err := t.Sequence()
		if err != nil {
			return nil, apperr.E(apperr.SolverFailure, op, fmt.Errorf("rider %d: %w", ri, err))
		}
		route := make([]int, 0, len(seq))
		for _, v := range seq {
			if v < 1 || v > n {
				return nil, apperr.Solverf(op, "rider %d: job index %d outside 1..%d", ri, v, n)
			}
			idx := v - 1
			if prev, dup := owner[idx]; dup {
				return nil, apperr.Solverf(op, "job index %d assigned to riders %d and %d", v, prev, ri)
			}
			owner[idx] = ri
			route = append(route, idx)
		}
		out[ri] = route
	}
	return out, nil
}
