package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
)

// TaskSource produces the current set of local tasks.
type TaskSource interface {
	ScanTasks(ctx context.Context) ([]domain.Task, error)
}

// EventSource lists the remote events this sync owns.
type EventSource interface {
	OwnedEvents(ctx context.Context) ([]*calendar.Event, error)
}

// OpExecutor dispatches a planned operation list and returns index-aligned
// per-item results.
type OpExecutor interface {
	ExecuteAll(ctx context.Context, ops []batch.Op) ([]batch.Result, error)
}

// Summary is the outcome of one sync run.
type Summary struct {
	Outcome
	Tasks       int
	PlannedOps  int
	StartedAt   time.Time
	Elapsed     time.Duration
	LastSyncSet bool
}

// Runner executes full reconciliation runs: scan, fetch, plan, dispatch,
// process, persist. It owns the persisted IdMap between runs.
type Runner struct {
	tasks    TaskSource
	events   EventSource
	executor OpExecutor
	store    state.Store
	planner  PlannerConfig
	logger   *slog.Logger
}

// NewRunner wires a sync runner from its collaborators.
func NewRunner(tasks TaskSource, events EventSource, executor OpExecutor, store state.Store, planner PlannerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tasks:    tasks,
		events:   events,
		executor: executor,
		store:    store,
		planner:  planner,
		logger:   logger,
	}
}

// Run performs one reconciliation pass. A fetch failure aborts before any
// mutation so the persisted IdMap is never updated against a partial view
// of the remote calendar.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	summary := Summary{StartedAt: started}

	doc, err := r.loadOrInit(ctx)
	if err != nil {
		return summary, err
	}

	events, err := r.events.OwnedEvents(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to fetch remote events: %w", err)
	}

	tasks, err := r.tasks.ScanTasks(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to scan tasks: %w", err)
	}
	summary.Tasks = len(tasks)

	plan := BuildPlan(tasks, events, doc.IDMap, r.planner)
	summary.PlannedOps = len(plan.Ops)
	r.logger.InfoContext(ctx, "sync plan built",
		"tasks", len(tasks),
		"remote_events", len(events),
		"ops", len(plan.Ops))

	results, execErr := r.executor.ExecuteAll(ctx, plan.Ops)
	if execErr != nil && len(results) != len(plan.Ops) {
		return summary, fmt.Errorf("failed to execute sync plan: %w", execErr)
	}

	outcome, err := ProcessResults(plan.Ops, results, plan.WorkingIDMap)
	if err != nil {
		return summary, err
	}
	summary.Outcome = outcome

	// The OAuth manager rewrites the same document mid-run when a refresh
	// token rotates, and Save replaces the whole document. Re-read it and
	// touch only the sync fields so a rotation is never clobbered.
	doc, err = r.loadOrInit(ctx)
	if err != nil {
		return summary, err
	}
	doc.IDMap = plan.WorkingIDMap
	now := time.Now().UTC()
	doc.LastSyncTime = &now
	summary.LastSyncSet = true
	if err := r.store.Save(ctx, doc); err != nil {
		return summary, fmt.Errorf("failed to persist sync state: %w", err)
	}

	summary.Elapsed = time.Since(started)
	r.recordHistory(ctx, summary)
	r.logger.InfoContext(ctx, "sync run complete",
		"created", outcome.Created,
		"updated", outcome.Updated,
		"deleted", outcome.Deleted,
		"skipped", outcome.Skipped,
		"errors", outcome.Errors,
		"elapsed", summary.Elapsed)

	if outcome.AuthError {
		return summary, domain.ErrReauthRequired
	}
	if execErr != nil {
		return summary, execErr
	}
	return summary, nil
}

// Reset clears the IdMap and last sync time; the next run recreates every
// mapping from the remote task ID properties.
func (r *Runner) Reset(ctx context.Context) error {
	doc, err := r.loadOrInit(ctx)
	if err != nil {
		return err
	}
	doc.IDMap = make(state.IdMap)
	doc.LastSyncTime = nil
	if err := r.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to persist reset state: %w", err)
	}
	r.logger.InfoContext(ctx, "sync state reset")
	return nil
}

func (r *Runner) loadOrInit(ctx context.Context) (*state.Document, error) {
	doc, err := r.store.Load(ctx)
	if errors.Is(err, domain.ErrStateNotFound) {
		return state.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return doc, nil
}

func (r *Runner) recordHistory(ctx context.Context, s Summary) {
	history, ok := r.store.(state.RunHistory)
	if !ok {
		return
	}
	rec := state.RunRecord{
		ID:        uuid.NewString(),
		StartedAt: s.StartedAt,
		Elapsed:   s.Elapsed,
		Created:   s.Created,
		Updated:   s.Updated,
		Deleted:   s.Deleted,
		Skipped:   s.Skipped,
		Errors:    s.Errors,
	}
	if err := history.RecordRun(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "failed to record run history", "error", err)
	}
}
