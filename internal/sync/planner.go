package sync

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/gcal"
	"github.com/rezkam/calsync/internal/state"
)

// PlannerConfig carries what the planner needs to compose and compare
// payloads.
type PlannerConfig struct {
	CalendarID string
	Mapper     *gcal.Mapper
	Diff       gcal.DiffConfig
}

// Plan is the idempotent operation list for one run plus the working IdMap
// it was computed against. The working map repairs observed mappings and
// drops stale ones; it becomes authoritative only after the result
// processor applies successful mutations.
type Plan struct {
	Ops            []batch.Op
	CurrentTaskIDs map[string]bool
	WorkingIDMap   state.IdMap
}

// BuildPlan diffs local tasks against remote events and the prior IdMap.
// Events not owned by this sync are ignored entirely. The plan never
// contains two operations against the same remote event ID.
func BuildPlan(tasks []domain.Task, events []*calendar.Event, prior state.IdMap, cfg PlannerConfig) Plan {
	idMap := prior.Clone()

	// Latest-updated event per task ID; duplicates lose and are left for
	// the dedupe command.
	eventsByTaskID := make(map[string]*calendar.Event)
	var owned []*calendar.Event
	for _, ev := range events {
		if !gcal.IsPluginOwned(ev) {
			continue
		}
		owned = append(owned, ev)

		tid := gcal.TaskIDOf(ev)
		if tid == "" {
			continue
		}
		if cur, ok := eventsByTaskID[tid]; !ok || eventUpdated(ev).After(eventUpdated(cur)) {
			eventsByTaskID[tid] = ev
		}
	}

	// Repair the working map to match what the server actually holds.
	for tid, ev := range eventsByTaskID {
		idMap[tid] = ev.Id
	}

	plan := Plan{
		CurrentTaskIDs: make(map[string]bool),
		WorkingIDMap:   idMap,
	}
	targeted := make(map[string]bool) // event IDs already claimed by an op

	for _, task := range tasks {
		if plan.CurrentTaskIDs[task.ID] {
			// Same-ID tasks are one conceptual item; first wins.
			continue
		}
		plan.CurrentTaskIDs[task.ID] = true

		linked := eventsByTaskID[task.ID]

		switch {
		case task.IsCompleted:
			if linked != nil && linked.Status != gcal.StatusCancelled && !targeted[linked.Id] {
				targeted[linked.Id] = true
				plan.Ops = append(plan.Ops, batch.Op{
					Method:          "PATCH",
					Path:            gcal.EventPath(cfg.CalendarID, linked.Id),
					Body:            map[string]string{"status": gcal.StatusCancelled},
					Type:            batch.OpPatch,
					TaskID:          task.ID,
					OriginalEventID: linked.Id,
				})
			}

		case !task.HasDates():
			// Neither create nor delete; the task just isn't placeable.

		case linked != nil:
			payload := cfg.Mapper.EventPayload(task)
			if gcal.NeedsUpdate(linked, payload, cfg.Diff) && !targeted[linked.Id] {
				targeted[linked.Id] = true
				plan.Ops = append(plan.Ops, batch.Op{
					Method:          "PUT",
					Path:            gcal.EventPath(cfg.CalendarID, linked.Id),
					Body:            payload,
					Type:            batch.OpUpdate,
					TaskID:          task.ID,
					OriginalEventID: linked.Id,
				})
			}

		default:
			// Mapped but vanished remotely: drop the stale link and insert
			// fresh.
			delete(idMap, task.ID)
			plan.Ops = append(plan.Ops, batch.Op{
				Method: "POST",
				Path:   gcal.EventsPath(cfg.CalendarID),
				Body:   cfg.Mapper.EventPayload(task),
				Type:   batch.OpInsert,
				TaskID: task.ID,
			})
		}
	}

	// Deletion sweep, source one: mapped tasks that no longer exist.
	for tid, eventID := range idMap {
		if plan.CurrentTaskIDs[tid] || targeted[eventID] {
			continue
		}
		targeted[eventID] = true
		plan.Ops = append(plan.Ops, batch.Op{
			Method:          "DELETE",
			Path:            gcal.EventPath(cfg.CalendarID, eventID),
			Type:            batch.OpDelete,
			TaskID:          tid,
			OriginalEventID: eventID,
		})
	}

	// Source two, orphan sweep: owned events whose task ID is unknown to
	// the repaired map. Events whose task ID is still mapped are never
	// swept here, even when they lost the latest-updated race.
	for _, ev := range owned {
		tid := gcal.TaskIDOf(ev)
		if tid != "" {
			if _, mapped := idMap[tid]; mapped {
				continue
			}
		}
		if targeted[ev.Id] {
			continue
		}
		targeted[ev.Id] = true
		plan.Ops = append(plan.Ops, batch.Op{
			Method:          "DELETE",
			Path:            gcal.EventPath(cfg.CalendarID, ev.Id),
			Type:            batch.OpDelete,
			TaskID:          tid,
			OriginalEventID: ev.Id,
		})
	}

	return plan
}

// eventUpdated parses the event's updated stamp; unparseable stamps sort
// first.
func eventUpdated(ev *calendar.Event) time.Time {
	t, err := time.Parse(time.RFC3339, ev.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}
