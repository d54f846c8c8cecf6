package db

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease claims key for owner until now+lease. An existing lease is
// taken over only once it has expired.
func (q *Queries) AcquireLease(ctx context.Context, key, owner string, now time.Time, lease time.Duration) (bool, error) {
	result, err := q.q.ExecContext(ctx, `
		INSERT INTO lock_leases (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE lock_leases.expires_at <= ?
	`, key, owner, now.Add(lease).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquiring lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReleaseLease drops key if owner still holds it. It reports false when the
// lease had expired and been taken by someone else.
func (q *Queries) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	result, err := q.q.ExecContext(ctx, `
		DELETE FROM lock_leases WHERE lock_key = ? AND owner = ?
	`, key, owner)
	if err != nil {
		return false, fmt.Errorf("releasing lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}
