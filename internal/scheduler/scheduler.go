// Package scheduler triggers periodic sync runs. One run at a time: ticks
// and manual triggers share a single guard, and a tick that lands while a
// run is active is dropped, not queued.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/calsync/internal/domain"
)

const minInterval = time.Minute

// SyncFunc runs one full sync.
type SyncFunc func(ctx context.Context) error

// ReadyFunc reports whether a run can start, typically by checking
// credentials and refreshing the access token.
type ReadyFunc func(ctx context.Context) error

// Scheduler fires SyncFunc every interval while Start's context lives.
type Scheduler struct {
	interval time.Duration
	run      SyncFunc
	ready    ReadyFunc
	logger   *slog.Logger

	// guard serializes runs; TryLock failing means a sync is in progress.
	guard sync.Mutex
}

// New creates a scheduler. Intervals under one minute are raised to one
// minute.
func New(interval time.Duration, ready ReadyFunc, run SyncFunc, logger *slog.Logger) *Scheduler {
	if interval < minInterval {
		interval = minInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{interval: interval, run: run, ready: ready, logger: logger}
}

// Start blocks, firing runs on the interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			if err := s.TriggerNow(ctx); err != nil {
				s.logTickSkip(ctx, err)
			}
		}
	}
}

// TriggerNow runs a sync immediately if none is in progress. Manual and
// scheduled triggers share the same guard.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	if !s.guard.TryLock() {
		return domain.ErrSyncInProgress
	}
	defer s.guard.Unlock()

	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			return err
		}
	}
	return s.run(ctx)
}

func (s *Scheduler) logTickSkip(ctx context.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSyncInProgress):
		s.logger.InfoContext(ctx, "tick dropped: sync already in progress")
	case errors.Is(err, domain.ErrNoCredentials):
		s.logger.WarnContext(ctx, "tick dropped: not authenticated")
	case errors.Is(err, domain.ErrReauthRequired):
		s.logger.WarnContext(ctx, "tick dropped: re-authentication required")
	default:
		s.logger.ErrorContext(ctx, "scheduled sync failed", "error", err)
	}
}
