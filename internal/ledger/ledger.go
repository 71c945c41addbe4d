// Package ledger implements a rider's day route: entries ordered by a
// fractional key so a stop can be slotted in without shifting the rest, a
// cursor separating finished work from pending work, and the checks that keep
// both consistent.
package ledger

import (
	"fmt"
	"math"
	"sort"

	"ridernav/internal/apperr"
	"ridernav/internal/model"
)

// MinKeyGap is the smallest spacing a midpoint insertion may produce. Below
// it the keys are renumbered 0..n-1 first.
const MinKeyGap = 1e-6

// New builds the initial entries for jobs in route order, keyed 0, 1, 2, ...
func New(jobs []model.Job) []model.Entry {
	out := make([]model.Entry, len(jobs))
	for i, j := range jobs {
		out[i] = model.Entry{JobID: j.ID, OrderKey: float64(i), Job: j}
	}
	return out
}

// Insert returns a copy of entries with job placed after position afterIndex.
// afterIndex -1 places it first. The input slice is not modified.
func Insert(entries []model.Entry, job model.Job, afterIndex int) ([]model.Entry, error) {
	const op = "ledger.insert"
	n := len(entries)
	for _, e := range entries {
		if e.JobID == job.ID {
			return nil, apperr.Validationf(op, "job %s already in ledger", job.ID)
		}
	}
	if n == 0 {
		if afterIndex > 0 {
			return nil, apperr.Validationf(op, "position %d out of range for empty ledger", afterIndex)
		}
		return []model.Entry{{JobID: job.ID, OrderKey: 0, Job: job}}, nil
	}
	if afterIndex < -1 || afterIndex >= n {
		return nil, apperr.Validationf(op, "position %d out of range [-1,%d)", afterIndex, n)
	}

	out := make([]model.Entry, 0, n+1)
	out = append(out, entries...)
	if needsRenumber(out, afterIndex) {
		Renumber(out)
	}

	var key float64
	switch {
	case afterIndex == n-1:
		key = out[n-1].OrderKey + 1
	case afterIndex == -1:
		key = out[0].OrderKey - 1
	default:
		key = (out[afterIndex].OrderKey + out[afterIndex+1].OrderKey) / 2
	}
	e := model.Entry{JobID: job.ID, OrderKey: key, Job: job}
	out = append(out, model.Entry{})
	copy(out[afterIndex+2:], out[afterIndex+1:])
	out[afterIndex+1] = e
	return out, nil
}

func needsRenumber(entries []model.Entry, afterIndex int) bool {
	if afterIndex < 0 || afterIndex >= len(entries)-1 {
		return false
	}
	gap := entries[afterIndex+1].OrderKey - entries[afterIndex].OrderKey
	return gap/2 < MinKeyGap || math.IsNaN(gap)
}

// Renumber rewrites keys to 0..n-1 keeping the order.
func Renumber(entries []model.Entry) {
	for i := range entries {
		entries[i].OrderKey = float64(i)
	}
}

// Sort orders entries by key.
func Sort(entries []model.Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].OrderKey < entries[j].OrderKey })
}

// Validate checks the ledger invariants that must hold on every read.
// Violations are ConsistencyViolation errors.
func Validate(l model.Ledger) error {
	op := "ledger.validate " + l.ID
	if l.Cursor < 0 || l.Cursor > len(l.Entries) {
		return apperr.Consistencyf(op, "cursor %d outside [0,%d]", l.Cursor, len(l.Entries))
	}
	seen := make(map[string]struct{}, len(l.Entries))
	for i, e := range l.Entries {
		if _, dup := seen[e.JobID]; dup {
			return apperr.Consistencyf(op, "job %s appears twice", e.JobID)
		}
		seen[e.JobID] = struct{}{}
		if i > 0 && !(l.Entries[i-1].OrderKey < e.OrderKey) {
			return apperr.Consistencyf(op, "order keys not strictly ascending at %d (%v, %v)", i, l.Entries[i-1].OrderKey, e.OrderKey)
		}
		st := e.Job.Status
		switch {
		case i < l.Cursor:
			if st != model.StatusCompleted {
				return apperr.Consistencyf(op, "entry %d before cursor has status %s", i, st)
			}
		case i == l.Cursor:
			if st != model.StatusDispatched && st != model.StatusInProgress {
				return apperr.Consistencyf(op, "entry %d at cursor has status %s", i, st)
			}
		default:
			if st != model.StatusDispatched {
				return apperr.Consistencyf(op, "entry %d after cursor has status %s", i, st)
			}
		}
	}
	return nil
}

// ValidateDay checks that no rider has two ledgers among ls.
func ValidateDay(ls []model.Ledger) error {
	seen := map[string]string{}
	for _, l := range ls {
		if other, ok := seen[l.Rider.ID]; ok {
			return apperr.Consistencyf("ledger.validate", "rider %s has ledgers %s and %s on %s", l.Rider.ID, other, l.ID, l.PlanDate)
		}
		seen[l.Rider.ID] = l.ID
	}
	return nil
}

// Advance applies a status change to the job at the cursor and returns the
// cursor that must be written together with it. Cancelling is refused once
// the job is on a route: the rider's remaining stops and load were planned
// with it, and pulling it out would leave the ledger out of step with what
// the optimizer handed the rider.
func Advance(l model.Ledger, jobID string, next model.Status) (int, error) {
	op := "ledger.advance"
	idx := l.IndexOf(jobID)
	if idx < 0 {
		return 0, apperr.Validationf(op, "job %s is not in ledger %s", jobID, l.ID)
	}
	if idx != l.Cursor {
		return 0, apperr.Validationf(op, "job %s is at position %d but the ledger cursor is %d", jobID, idx, l.Cursor)
	}
	if next == model.StatusCancelled {
		return 0, apperr.Validationf(op, "job %s is on a live route and cannot be cancelled", jobID)
	}
	if err := model.CheckAdvance(l.Entries[idx].Job.Status, next); err != nil {
		return 0, apperr.E(apperr.Validation, op, err)
	}
	if next == model.StatusCompleted {
		return l.Cursor + 1, nil
	}
	return l.Cursor, nil
}

// Pending returns the entries from the cursor on that are not completed,
// and how many entries of the full ledger were left out.
func Pending(l model.Ledger) ([]model.Entry, int) {
	out := []model.Entry{}
	if l.Cursor < len(l.Entries) {
		for _, e := range l.Entries[l.Cursor:] {
			if e.Job.Status != model.StatusCompleted {
				out = append(out, e)
			}
		}
	}
	return out, len(l.Entries) - len(out)
}

// String is a compact form for logs.
func String(l model.Ledger) string {
	return fmt.Sprintf("ledger %s rider=%s v%d cursor=%d/%d", l.ID, l.Rider.ID, l.Version, l.Cursor, len(l.Entries))
}
