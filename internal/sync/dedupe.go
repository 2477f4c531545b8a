package sync

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/api/calendar/v3"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/gcal"
)

// DuplicateGroup is one task ID that several remote events claim. Kept is
// the latest-updated event; Extras are the ones a cleanup would delete.
type DuplicateGroup struct {
	TaskID string
	Kept   *calendar.Event
	Extras []*calendar.Event
}

// DedupeReport is the outcome of a duplicate scan and, when applied, the
// cleanup counters.
type DedupeReport struct {
	Groups  []DuplicateGroup
	Deleted int
	Errors  int
}

// FindDuplicates groups plugin-owned events by task ID and reports every
// group with more than one member. Groups are ordered by task ID so dry-run
// output is stable.
func FindDuplicates(events []*calendar.Event) []DuplicateGroup {
	byTaskID := make(map[string][]*calendar.Event)
	for _, ev := range events {
		if !gcal.IsPluginOwned(ev) {
			continue
		}
		tid := gcal.TaskIDOf(ev)
		if tid == "" {
			continue
		}
		byTaskID[tid] = append(byTaskID[tid], ev)
	}

	var groups []DuplicateGroup
	for tid, evs := range byTaskID {
		if len(evs) < 2 {
			continue
		}
		sort.Slice(evs, func(i, j int) bool {
			return eventUpdated(evs[i]).After(eventUpdated(evs[j]))
		})
		groups = append(groups, DuplicateGroup{
			TaskID: tid,
			Kept:   evs[0],
			Extras: evs[1:],
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].TaskID < groups[j].TaskID })
	return groups
}

// Dedupe scans for duplicate events and, when apply is set, deletes every
// extra through the batch executor. With apply unset it only reports.
func (r *Runner) Dedupe(ctx context.Context, apply bool) (DedupeReport, error) {
	events, err := r.events.OwnedEvents(ctx)
	if err != nil {
		return DedupeReport{}, fmt.Errorf("failed to fetch remote events: %w", err)
	}

	report := DedupeReport{Groups: FindDuplicates(events)}
	if !apply || len(report.Groups) == 0 {
		return report, nil
	}

	var ops []batch.Op
	for _, g := range report.Groups {
		for _, ev := range g.Extras {
			ops = append(ops, batch.Op{
				Method:          "DELETE",
				Path:            gcal.EventPath(r.planner.CalendarID, ev.Id),
				Type:            batch.OpDelete,
				TaskID:          g.TaskID,
				OriginalEventID: ev.Id,
			})
		}
	}

	results, err := r.executor.ExecuteAll(ctx, ops)
	if err != nil && len(results) != len(ops) {
		return report, fmt.Errorf("failed to execute dedupe plan: %w", err)
	}
	for _, res := range results {
		if res.OK() || res.Status == 404 || res.Status == 410 {
			report.Deleted++
		} else {
			report.Errors++
		}
	}
	r.logger.InfoContext(ctx, "dedupe complete",
		"groups", len(report.Groups),
		"deleted", report.Deleted,
		"errors", report.Errors)
	return report, err
}
