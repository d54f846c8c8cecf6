package lock

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type localLease struct {
	owner   string
	expires time.Time
}

// LocalLocker holds leases in process memory. It serializes goroutines of a
// single process only.
type LocalLocker struct {
	leases *xsync.MapOf[string, localLease]
	now    func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: xsync.NewMapOf[string, localLease](),
		now:    time.Now,
	}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key, owner string, lease time.Duration) (bool, error) {
	now := l.now()
	acquired := false
	l.leases.Compute(key, func(cur localLease, loaded bool) (localLease, bool) {
		if loaded && cur.expires.After(now) {
			return cur, false
		}
		acquired = true
		return localLease{owner: owner, expires: now.Add(lease)}, false
	})
	return acquired, nil
}

func (l *LocalLocker) Release(_ context.Context, key, owner string) (bool, error) {
	released := false
	l.leases.Compute(key, func(cur localLease, loaded bool) (localLease, bool) {
		if !loaded {
			return cur, true
		}
		released = cur.owner == owner
		return cur, released
	})
	return released, nil
}
