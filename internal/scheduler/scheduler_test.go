package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/errs"
	"github.com/buildtall-systems/ordersaga/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T, policy retry.Policy) (*Scheduler, *db.DB, *clock) {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { _ = d.Close() })

	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(d, policy, zaptest.NewLogger(t)).WithClock(c.Now)
	return s, d, c
}

func TestSweep_RunsOnlyDueTasks(t *testing.T) {
	ctx := context.Background()
	s, d, c := setup(t, retry.DefaultPolicy())

	var ran []int64
	s.Handle("delivery.start", func(_ context.Context, task db.ScheduledTask) error {
		ran = append(ran, task.RefID)
		return nil
	})

	id, err := s.Schedule(ctx, "delivery.start", 1, 3*time.Second)
	require.NoError(t, err)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(3 * time.Second)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, ran)

	task, err := d.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatusDone, task.Status)

	n, _ = s.Sweep(ctx)
	assert.Zero(t, n, "done tasks do not run again")
}

func TestSweep_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	s, d, c := setup(t, policy)

	calls := 0
	s.Handle("flaky", func(context.Context, db.ScheduledTask) error {
		calls++
		return errors.New("database is locked")
	})

	id, err := s.Schedule(ctx, "flaky", 9, 0)
	require.NoError(t, err)

	_, err = s.Sweep(ctx)
	require.NoError(t, err)
	task, _ := d.GetTask(ctx, id)
	assert.Equal(t, db.TaskStatusPending, task.Status)
	assert.Equal(t, c.Now().Add(time.Second), task.Due())

	// not due until the backoff passes
	n, _ := s.Sweep(ctx)
	assert.Zero(t, n)

	c.Advance(time.Second)
	_, _ = s.Sweep(ctx)
	task, _ = d.GetTask(ctx, id)
	assert.Equal(t, c.Now().Add(2*time.Second), task.Due())

	c.Advance(2 * time.Second)
	_, _ = s.Sweep(ctx)
	task, _ = d.GetTask(ctx, id)
	assert.Equal(t, db.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "database is locked", task.LastError.String)
}

func TestSweep_PermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	s, d, _ := setup(t, retry.DefaultPolicy())

	s.Handle("delivery.finish", func(_ context.Context, task db.ScheduledTask) error {
		return errs.NotFound("delivery", task.RefID)
	})

	id, _ := s.Schedule(ctx, "delivery.finish", 5, 0)
	_, err := s.Sweep(ctx)
	require.NoError(t, err)

	task, _ := d.GetTask(ctx, id)
	assert.Equal(t, db.TaskStatusFailed, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestSweep_UnknownKindFails(t *testing.T) {
	ctx := context.Background()
	s, d, _ := setup(t, retry.DefaultPolicy())

	id, _ := s.Schedule(ctx, "mystery", 1, 0)
	_, err := s.Sweep(ctx)
	require.NoError(t, err)

	task, _ := d.GetTask(ctx, id)
	assert.Equal(t, db.TaskStatusFailed, task.Status)
}

func TestSweep_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, d, c := setup(t, retry.DefaultPolicy())
	_, err := s.Schedule(ctx, "delivery.start", 42, 3*time.Second)
	require.NoError(t, err)

	// a new scheduler over the same table picks the task up
	restarted := New(d, retry.DefaultPolicy(), zaptest.NewLogger(t)).WithClock(c.Now)
	var got int64
	restarted.Handle("delivery.start", func(_ context.Context, task db.ScheduledTask) error {
		got = task.RefID
		return nil
	})

	c.Advance(5 * time.Second)
	n, err := restarted.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(42), got)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	s, _, _ := setup(t, retry.DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	s.Handle("tick", func(context.Context, db.ScheduledTask) error {
		close(done)
		return nil
	})
	_, err := s.Schedule(ctx, "tick", 1, 0)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, 5*time.Millisecond) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	cancel()
	require.NoError(t, <-errc)
}
