package lock

import (
	"context"
	"time"
)

// LeaseStore persists leases. *db.DB implements it.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, now time.Time, lease time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) (bool, error)
}

// SQLLocker keeps leases in the database so every process sharing it is
// serialized.
type SQLLocker struct {
	store LeaseStore
	now   func() time.Time
}

func NewSQLLocker(store LeaseStore) *SQLLocker {
	return &SQLLocker{store: store, now: time.Now}
}

func (l *SQLLocker) TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	return l.store.AcquireLease(ctx, key, owner, l.now(), lease)
}

func (l *SQLLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	return l.store.ReleaseLease(ctx, key, owner)
}
