// Package scheduler runs delayed work from a table of tasks. A task is due
// once its due_at has passed; pending tasks survive restarts because the
// table is the only state.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultBatch        = 50
	defaultClaimTimeout = 30 * time.Second
)

// TaskFunc runs one task. Errors are retried under the scheduler's policy
// unless they are permanent.
type TaskFunc func(ctx context.Context, task db.ScheduledTask) error

// Store is the scheduler's view of the task table. *db.DB implements it.
type Store interface {
	ScheduleTask(ctx context.Context, kind string, refID int64, dueAt time.Time) (int64, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]db.ScheduledTask, error)
	ClaimTask(ctx context.Context, t db.ScheduledTask, leaseUntil time.Time) (bool, error)
	CompleteTask(ctx context.Context, id int64) error
	FailTask(ctx context.Context, id int64, reason string) error
	RescheduleTask(ctx context.Context, id int64, dueAt time.Time, reason string) error
}

type Scheduler struct {
	store        Store
	handlers     map[string]TaskFunc
	policy       retry.Policy
	now          func() time.Time
	claimTimeout time.Duration
	batch        int
	logger       *zap.Logger
}

func New(store Store, policy retry.Policy, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		handlers:     make(map[string]TaskFunc),
		policy:       policy,
		now:          time.Now,
		claimTimeout: defaultClaimTimeout,
		batch:        defaultBatch,
		logger:       logger.With(zap.String("component", "scheduler")),
	}
}

// WithClock replaces the time source. Due times are computed from it.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Handle registers fn for tasks of kind.
func (s *Scheduler) Handle(kind string, fn TaskFunc) {
	s.handlers[kind] = fn
}

// DueAt is the due time for a task delayed by d from now.
func (s *Scheduler) DueAt(d time.Duration) time.Time {
	return s.now().Add(d)
}

// Schedule persists a task due after delay.
func (s *Scheduler) Schedule(ctx context.Context, kind string, refID int64, delay time.Duration) (int64, error) {
	return s.store.ScheduleTask(ctx, kind, refID, s.DueAt(delay))
}

// Sweep runs every task that is due and returns how many ran.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	tasks, err := s.store.DueTasks(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}

		claimed, err := s.store.ClaimTask(ctx, t, now.Add(s.claimTimeout))
		if err != nil {
			return ran, err
		}
		if !claimed {
			continue
		}
		ran++

		if err := s.run(ctx, t); err != nil {
			return ran, err
		}
	}
	return ran, nil
}

func (s *Scheduler) run(ctx context.Context, t db.ScheduledTask) error {
	log := s.logger.With(zap.String("kind", t.Kind), zap.Int64("task_id", t.ID), zap.Int64("ref_id", t.RefID))
	attempt := t.Attempts + 1

	fn, ok := s.handlers[t.Kind]
	if !ok {
		log.Error("no handler for task kind")
		return s.store.FailTask(ctx, t.ID, fmt.Sprintf("no handler for %q", t.Kind))
	}

	err := fn(ctx, t)
	switch {
	case err == nil:
		return s.store.CompleteTask(ctx, t.ID)
	case ctx.Err() != nil:
		// the claim expires and the task runs again
		return ctx.Err()
	case retry.IsPermanent(err):
		log.Error("task failed permanently", zap.Error(err), zap.Int("attempt", attempt))
		return s.store.FailTask(ctx, t.ID, err.Error())
	case s.policy.Exhausted(attempt):
		log.Error("task retries exhausted", zap.Error(err), zap.Int("attempt", attempt))
		return s.store.FailTask(ctx, t.ID, err.Error())
	default:
		delay := s.policy.Delay(attempt)
		log.Warn("task failed, rescheduling", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		return s.store.RescheduleTask(ctx, t.ID, s.now().Add(delay), err.Error())
	}
}

// Run sweeps every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
