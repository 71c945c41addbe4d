// Package insertion decides where a pickup that arrives mid-day fits into the
// routes riders are already running.
package insertion

import (
	"context"
	"fmt"
	"time"

	"ridernav/internal/apperr"
	"ridernav/internal/clock"
	"ridernav/internal/ledger"
	"ridernav/internal/model"
	"ridernav/internal/solver"
)

type Travel interface {
	Estimate(a, b model.GeoPoint) int
}

type Engine struct {
	Solver   solver.Runner
	Travel   Travel
	Calendar clock.Calendar
	Depot    model.GeoPoint
}

// Placement says where the pickup goes. When Found is false no active rider
// can take it and the other fields are zero.
type Placement struct {
	Found bool
	// Ledger is the snapshot the decision was made on; its Version is the
	// one the caller must write against.
	Ledger model.Ledger
	// AfterIndex indexes the full entry list of Ledger.
	AfterIndex int
}

// view is a ledger reduced to its pending entries.
type view struct {
	ledger  model.Ledger
	entries []model.Entry
	removed int
}

// AddPickup asks the optimizer to place job into one of ledgers. ledgers must
// be today's ledgers; the slice is not modified.
func (e *Engine) AddPickup(ctx context.Context, job model.Job, ledgers []model.Ledger) (Placement, error) {
	const op = "insertion.add_pickup"
	parcel, ok := job.Parcel()
	if !ok {
		return Placement{}, apperr.Validationf(op, "job %s has %d parcels, exactly one is supported", job.ID, len(job.Parcels))
	}
	if parcel.Volume <= 0 {
		return Placement{}, apperr.Validationf(op, "job %s parcel volume must be > 0", job.ID)
	}
	origin, ok := job.Target()
	if !ok {
		return Placement{}, apperr.Validationf(op, "job %s has no pickup location", job.ID)
	}

	views := filter(ledgers)
	if err := validate(views); err != nil {
		return Placement{}, err
	}
	if len(views) == 0 {
		return Placement{}, nil
	}

	p := &problem{
		views:  views,
		origin: origin,
		volume: parcel.Volume,
		now:    e.Calendar.Now(),
		depot:  e.Depot,
		travel: e.Travel,
	}
	p.nowOffset = e.Calendar.SecondsSinceDayStart(p.now)

	ans, err := solver.Solve[answer](ctx, e.Solver, p)
	if err != nil {
		if apperr.KindOf(err) == apperr.Unknown {
			return Placement{}, apperr.E(apperr.SolverFailure, op, err)
		}
		return Placement{}, err
	}
	if ans.ledger < 0 {
		return Placement{}, nil
	}
	v := views[ans.ledger]
	return Placement{Found: true, Ledger: v.ledger, AfterIndex: ans.after + v.removed}, nil
}

func filter(ledgers []model.Ledger) []view {
	out := make([]view, 0, len(ledgers))
	for _, l := range ledgers {
		pending, removed := ledger.Pending(l)
		if len(pending) == 0 {
			continue
		}
		out = append(out, view{ledger: l, entries: pending, removed: removed})
	}
	return out
}

func validate(views []view) error {
	const op = "insertion.validate"
	riders := map[string]string{}
	for _, v := range views {
		rid := v.ledger.Rider.ID
		if rid == "" {
			return apperr.Validationf(op, "ledger %s has no rider", v.ledger.ID)
		}
		if other, dup := riders[rid]; dup {
			return apperr.Validationf(op, "rider %s has ledgers %s and %s", rid, other, v.ledger.ID)
		}
		riders[rid] = v.ledger.ID
		if v.ledger.Rider.Capacity <= 0 {
			return apperr.Validationf(op, "rider %s capacity must be > 0", rid)
		}
		for _, en := range v.entries {
			st := en.Job.Status
			if st != model.StatusDispatched && st != model.StatusInProgress {
				return apperr.Validationf(op, "job %s in ledger %s has status %s past the cursor", en.JobID, v.ledger.ID, st)
			}
			if _, ok := en.Job.Parcel(); !ok {
				return apperr.Validationf(op, "job %s in ledger %s must have exactly one parcel", en.JobID, v.ledger.ID)
			}
			if _, ok := en.Job.Target(); !ok {
				return apperr.Validationf(op, "job %s in ledger %s has no location", en.JobID, v.ledger.ID)
			}
		}
	}
	return nil
}

type answer struct {
	ledger int
	after  int
}

// problem is the dynamic pickup wire format.
type problem struct {
	views     []view
	origin    model.GeoPoint
	volume    float64
	now       time.Time
	nowOffset int
	depot     model.GeoPoint
	travel    Travel
}

func (*problem) Kind() solver.Kind { return solver.KindPickup }

func (p *problem) Encode() ([]string, error) {
	fromPickup := map[string]int{}
	for _, v := range p.views {
		for _, en := range v.entries {
			at, _ := en.Job.Target()
			fromPickup[en.JobID] = p.travel.Estimate(p.origin, at)
		}
	}

	lines := []string{
		solver.Int(p.nowOffset),
		solver.Int(int(p.volume)),
		// sent twice on purpose, the optimizer reads both
		solver.Int(p.nowOffset),
		solver.Int(len(p.views)),
	}
	for _, v := range p.views {
		lines = append(lines, solver.Int(int(v.ledger.Rider.Capacity)))
	}
	for _, v := range p.views {
		lines = append(lines, solver.Int(len(v.entries)), solver.Int(p.firstTime(v)))
		for i, en := range v.entries {
			parcel, _ := en.Job.Parcel()
			kind := 0
			if en.Job.Kind == model.KindPickup {
				kind = 1
			}
			lines = append(lines,
				solver.Int(int(parcel.Volume)),
				solver.Int(kind),
				solver.Int(int(en.Job.Deadline.Sub(p.now).Seconds())),
				solver.Int(p.timeNext(v, i)),
				solver.Int(fromPickup[en.JobID]),
			)
		}
	}
	return lines, nil
}

// firstTime is the ride to the cursor stop from wherever the rider was
// before it: the previous stop of the full ledger, or the depot.
func (p *problem) firstTime(v view) int {
	at, _ := v.entries[0].Job.Target()
	from := p.depot
	if idx := v.ledger.IndexOf(v.entries[0].JobID); idx > 0 {
		if prev, ok := v.ledger.Entries[idx-1].Job.Target(); ok {
			from = prev
		}
	}
	return p.travel.Estimate(from, at)
}

// timeNext is the ride from entry i to the next pending stop, or back to the
// depot after the last one.
func (p *problem) timeNext(v view, i int) int {
	at, _ := v.entries[i].Job.Target()
	next := p.depot
	if i+1 < len(v.entries) {
		next, _ = v.entries[i+1].Job.Target()
	}
	return p.travel.Estimate(at, next)
}

func (p *problem) Decode(t *solver.Tokens) (answer, error) {
	const op = "insertion.decode"
	li, err := t.Next()
	if err != nil {
		return answer{}, apperr.E(apperr.SolverFailure, op, fmt.Errorf("ledger index: %w", err))
	}
	if li == solver.End {
		return answer{ledger: -1}, nil
	}
	if li < 0 || li >= len(p.views) {
		return answer{}, apperr.Solverf(op, "ledger index %d outside 0..%d", li, len(p.views)-1)
	}
	after, err := t.Next()
	if err != nil {
		return answer{}, apperr.E(apperr.SolverFailure, op, fmt.Errorf("position: %w", err))
	}
	if after < 0 {
		after = 0
	}
	if n := len(p.views[li].entries); after >= n {
		return answer{}, apperr.Solverf(op, "position %d past the %d pending stops of ledger %d", after, n, li)
	}
	return answer{ledger: li, after: after}, nil
}
