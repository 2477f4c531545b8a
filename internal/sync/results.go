package sync

import (
	"fmt"
	"net/http"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/state"
)

// Counters tallies per-run outcomes. Cancellation patches count as
// updates.
type Counters struct {
	Created int
	Updated int
	Deleted int
	Skipped int
	Errors  int
}

// Outcome is what processing one run's results produced: counters, the
// human-readable failure notes, and whether any item failed with an auth
// error (which the caller should treat as run-level and re-auth before the
// next run, not retry inline).
type Outcome struct {
	Counters
	AuthError bool
	Failures  []string
}

// ProcessResults applies per-item results to the working IdMap and returns
// the run outcome. It is the only place mappings are committed: the
// planner only proposes. ops and results must be index-aligned.
func ProcessResults(ops []batch.Op, results []batch.Result, idMap state.IdMap) (Outcome, error) {
	if len(ops) != len(results) {
		return Outcome{}, fmt.Errorf("result count %d does not match op count %d", len(results), len(ops))
	}

	var out Outcome
	for i, op := range ops {
		res := results[i]

		switch {
		case res.OK():
			applySuccess(op, res, idMap, &out)

		case (res.Status == http.StatusNotFound || res.Status == http.StatusGone) && op.Type != batch.OpInsert:
			// Already gone remotely. For deletes that is the desired end
			// state; for updates and patches the next run re-plans from a
			// clean slate. Either way the mapping is dead.
			delete(idMap, op.TaskID)
			if op.Type == batch.OpDelete {
				out.Deleted++
			} else {
				out.Skipped++
			}

		case res.Status == http.StatusConflict && op.Type == batch.OpInsert:
			// Duplicate insert detected server-side; the event already
			// exists and the next run will relink it via the task ID prop.
			out.Skipped++

		case res.Status == http.StatusPreconditionFailed:
			out.Skipped++

		case res.Status == http.StatusUnauthorized:
			out.AuthError = true
			out.Errors++
			out.Failures = append(out.Failures, failureNote(op, res))

		default:
			out.Errors++
			out.Failures = append(out.Failures, failureNote(op, res))
		}
	}
	return out, nil
}

func applySuccess(op batch.Op, res batch.Result, idMap state.IdMap, out *Outcome) {
	switch op.Type {
	case batch.OpInsert:
		id := res.Body.ID()
		if id == "" {
			out.Errors++
			out.Failures = append(out.Failures, fmt.Sprintf("insert for %s succeeded without an event id", op.TaskID))
			return
		}
		idMap[op.TaskID] = id
		out.Created++

	case batch.OpUpdate:
		id := res.Body.ID()
		if id == "" {
			id = op.OriginalEventID
		}
		idMap[op.TaskID] = id
		out.Updated++

	case batch.OpPatch:
		out.Updated++

	case batch.OpDelete:
		delete(idMap, op.TaskID)
		out.Deleted++
	}
}

func failureNote(op batch.Op, res batch.Result) string {
	msg := res.Body.ErrorMessage()
	if msg == "" {
		msg = http.StatusText(res.Status)
	}
	target := op.TaskID
	if target == "" {
		target = op.OriginalEventID
	}
	return fmt.Sprintf("%s %s (status %d): %s", op.Type, target, res.Status, msg)
}
