package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
)

type fakeTasks struct {
	tasks []domain.Task
	err   error
}

func (f *fakeTasks) ScanTasks(ctx context.Context) ([]domain.Task, error) {
	return f.tasks, f.err
}

type fakeEvents struct {
	events []*calendar.Event
	err    error
}

func (f *fakeEvents) OwnedEvents(ctx context.Context) ([]*calendar.Event, error) {
	return f.events, f.err
}

// fakeExecutor answers every op with a canned status and, for inserts, a
// generated event id. onExecute, when set, runs before results are built so
// tests can interleave other writers with a run.
type fakeExecutor struct {
	status    int
	gotOps    []batch.Op
	nextID    int
	execErr   error
	onExecute func(ctx context.Context)
}

func (f *fakeExecutor) ExecuteAll(ctx context.Context, ops []batch.Op) ([]batch.Result, error) {
	f.gotOps = ops
	if f.onExecute != nil {
		f.onExecute(ctx)
	}
	results := make([]batch.Result, len(ops))
	for i, op := range ops {
		status := f.status
		if status == 0 {
			status = 200
		}
		body := batch.Payload{Empty: true}
		if op.Type == batch.OpInsert && status < 300 {
			f.nextID++
			body = batch.Payload{JSON: map[string]any{"id": newEventID(f.nextID)}}
		}
		results[i] = batch.Result{Status: status, Body: body}
	}
	return results, f.execErr
}

func newEventID(n int) string {
	return "ev-" + string(rune('a'+n-1))
}

type memStore struct {
	doc     *state.Document
	saved   int
	records []state.RunRecord
}

func (s *memStore) Load(ctx context.Context) (*state.Document, error) {
	if s.doc == nil {
		return nil, domain.ErrStateNotFound
	}
	// Hand out a copy the way the real stores decode a fresh document, so
	// stale-snapshot bugs are observable.
	cp := *s.doc
	cp.IDMap = make(state.IdMap, len(s.doc.IDMap))
	for k, v := range s.doc.IDMap {
		cp.IDMap[k] = v
	}
	return &cp, nil
}

func (s *memStore) Save(ctx context.Context, doc *state.Document) error {
	s.doc = doc
	s.saved++
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) RecordRun(ctx context.Context, rec state.RunRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func TestRunner_FirstRunCreatesAndPersists(t *testing.T) {
	tasks := &fakeTasks{tasks: []domain.Task{datedTask("obsidian-a", "One"), datedTask("obsidian-b", "Two")}}
	exec := &fakeExecutor{}
	store := &memStore{}
	r := NewRunner(tasks, &fakeEvents{}, exec, store, testPlannerConfig(), nil)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Tasks)
	assert.Equal(t, 2, summary.PlannedOps)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, store.saved)
	assert.Len(t, store.doc.IDMap, 2)
	require.NotNil(t, store.doc.LastSyncTime)
	require.Len(t, store.records, 1)
	assert.Equal(t, 2, store.records[0].Created)
}

func TestRunner_FetchFailureAbortsWithoutMutation(t *testing.T) {
	store := &memStore{doc: &state.Document{IDMap: state.IdMap{"obsidian-x": "ev1"}}}
	r := NewRunner(&fakeTasks{}, &fakeEvents{err: errors.New("network down")}, &fakeExecutor{}, store, testPlannerConfig(), nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, store.saved, "a failed fetch must not rewrite state")
	assert.Equal(t, "ev1", store.doc.IDMap["obsidian-x"])
}

func TestRunner_ScanFailureAborts(t *testing.T) {
	store := &memStore{}
	r := NewRunner(&fakeTasks{err: errors.New("vault unreadable")}, &fakeEvents{}, &fakeExecutor{}, store, testPlannerConfig(), nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, store.saved)
}

func TestRunner_AuthErrorSurfacesReauthSentinel(t *testing.T) {
	tasks := &fakeTasks{tasks: []domain.Task{datedTask("obsidian-a", "One")}}
	exec := &fakeExecutor{status: 401}
	store := &memStore{}
	r := NewRunner(tasks, &fakeEvents{}, exec, store, testPlannerConfig(), nil)

	summary, err := r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Equal(t, 1, summary.Errors)
	// State still persisted: other items in a mixed run may have succeeded.
	assert.Equal(t, 1, store.saved)
}

func TestRunner_PreservesTokenRotatedMidRun(t *testing.T) {
	store := &memStore{doc: &state.Document{TokensEncrypted: "obf1:stale"}}
	exec := &fakeExecutor{}
	// A refresh-token rotation writes the document while the plan executes.
	exec.onExecute = func(ctx context.Context) {
		doc, err := store.Load(ctx)
		require.NoError(t, err)
		doc.TokensEncrypted = "obf1:rotated"
		require.NoError(t, store.Save(ctx, doc))
	}
	tasks := &fakeTasks{tasks: []domain.Task{datedTask("obsidian-a", "One")}}
	r := NewRunner(tasks, &fakeEvents{}, exec, store, testPlannerConfig(), nil)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "obf1:rotated", store.doc.TokensEncrypted,
		"the run-end save must not restore the stale token record")
	assert.Len(t, store.doc.IDMap, 1)
	require.NotNil(t, store.doc.LastSyncTime)
}

func TestRunner_Reset(t *testing.T) {
	now := time.Now().UTC()
	store := &memStore{doc: &state.Document{
		IDMap:        state.IdMap{"obsidian-a": "ev1"},
		LastSyncTime: &now,
	}}
	r := NewRunner(&fakeTasks{}, &fakeEvents{}, &fakeExecutor{}, store, testPlannerConfig(), nil)

	require.NoError(t, r.Reset(context.Background()))
	assert.Empty(t, store.doc.IDMap)
	assert.Nil(t, store.doc.LastSyncTime)
}
