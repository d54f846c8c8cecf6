package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLLocker(t *testing.T) *SQLLocker {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	d := db.New(sqlDB)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { _ = d.Close() })
	return NewSQLLocker(d)
}

func lockers(t *testing.T) map[string]Locker {
	return map[string]Locker{
		"local": NewLocalLocker(),
		"sql":   newSQLLocker(t),
	}
}

func TestWithLock_MutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside, runs int32
			var wg sync.WaitGroup

			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := WithLock(context.Background(), l, "inventory:lock:1", 5*time.Second, 3*time.Second, func(ctx context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(2 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						atomic.AddInt32(&runs, 1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), maxInside)
			assert.Equal(t, int32(8), runs)
		})
	}
}

func TestWithLock_Timeout(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := l.TryAcquire(ctx, "inventory:lock:2", "holder", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			called := false
			err = WithLock(ctx, l, "inventory:lock:2", 50*time.Millisecond, time.Second, func(context.Context) error {
				called = true
				return nil
			})

			var te *TimeoutError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "inventory:lock:2", te.Key)
			assert.False(t, called)
			assert.False(t, retry.IsPermanent(err), "lock timeouts are retried")
		})
	}
}

// stalledLocker blocks in TryAcquire until the context ends, like a SQL
// locker waiting for the only pooled connection.
type stalledLocker struct{ Locker }

func (stalledLocker) TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	<-ctx.Done()
	return false, fmt.Errorf("acquiring lease: %w", ctx.Err())
}

func TestWithLock_StalledAcquireTimesOut(t *testing.T) {
	start := time.Now()
	err := WithLock(context.Background(), stalledLocker{NewLocalLocker()}, "inventory:lock:3", 50*time.Millisecond, time.Second,
		func(context.Context) error {
			t.Fatal("fn must not run without the lock")
			return nil
		})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Wait)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, retry.IsPermanent(err))
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")

			err := WithLock(ctx, l, "k", time.Second, time.Minute, func(context.Context) error { return boom })
			assert.ErrorIs(t, err, boom)

			ok, err := l.TryAcquire(ctx, "k", "next", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "lock should be free after fn failed")
		})
	}
}

func TestLocalLocker_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	ok, _ := l.TryAcquire(ctx, "k", "a", 3*time.Second)
	require.True(t, ok)

	ok, _ = l.TryAcquire(ctx, "k", "b", 3*time.Second)
	assert.False(t, ok)

	now = now.Add(3 * time.Second)
	ok, _ = l.TryAcquire(ctx, "k", "b", 3*time.Second)
	assert.True(t, ok, "expired lease should be taken over")

	// stale owner cannot release b's lease
	released, err := l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, released)
	ok, _ = l.TryAcquire(ctx, "k", "c", 3*time.Second)
	assert.False(t, ok)
}

func TestWithLock_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	ctx, cancel := context.WithCancel(context.Background())
	ok, _ := l.TryAcquire(ctx, "k", "holder", time.Minute)
	require.True(t, ok)

	cancel()
	err := WithLock(ctx, l, "k", time.Second, time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
