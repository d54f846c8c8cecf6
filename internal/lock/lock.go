// Package lock provides named mutual exclusion with a bounded wait and a
// lease that expires on its own if the holder disappears.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	pollInitial = 5 * time.Millisecond
	pollMax     = 100 * time.Millisecond
)

var errBusy = errors.New("lock busy")

// TimeoutError is returned by WithLock when the lock could not be acquired
// within the wait budget. It is transient.
type TimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock %q within %s", e.Key, e.Wait)
}

func (e *TimeoutError) Timeout() bool { return true }

// Locker grants leases on keys. TryAcquire never blocks waiting for a holder.
type Locker interface {
	TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
	// Release reports false when owner no longer held the lease.
	Release(ctx context.Context, key, owner string) (bool, error)
}

// WithLock runs fn while holding key. It polls for up to wait and returns a
// *TimeoutError if the key stays held. wait also bounds each TryAcquire, so a
// locker stuck behind a busy connection pool times out the same way. The lease
// bounds how long a crashed holder can block others. The lock is released
// however fn returns.
func WithLock(ctx context.Context, l Locker, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()

	b := goretry.NewExponential(pollInitial)
	b = goretry.WithCappedDuration(pollMax, b)
	b = goretry.WithMaxDuration(wait, b)

	acquireCtx, cancel := context.WithTimeout(ctx, wait)
	err := goretry.Do(acquireCtx, b, func(ctx context.Context) error {
		ok, err := l.TryAcquire(ctx, key, owner, lease)
		if err != nil {
			return err
		}
		if !ok {
			return goretry.RetryableError(errBusy)
		}
		return nil
	})
	cancel()
	if errors.Is(err, errBusy) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		return &TimeoutError{Key: key, Wait: wait}
	}
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	defer func() {
		held, err := l.Release(context.WithoutCancel(ctx), key, owner)
		switch {
		case err != nil:
			zap.L().Warn("releasing lock failed", zap.String("key", key), zap.Error(err))
		case !held:
			zap.L().Warn("lock lease expired before release", zap.String("key", key), zap.Duration("lease", lease))
		}
	}()

	return fn(ctx)
}
