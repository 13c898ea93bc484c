package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const drainLease = "drain"

// ErrLeaseLost is returned when renewing a lease another owner has taken over.
var ErrLeaseLost = errors.New("drain lease lost")

// AcquireLease claims the drain lease for owner. It succeeds when the lease
// is free, expired or already held by owner.
func (q *Queue) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := q.now()
	query := `
		INSERT INTO drain_lease (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE drain_lease.owner = excluded.owner OR drain_lease.expires_at <= ?`

	res, err := q.db.ExecContext(ctx, query, drainLease, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire drain lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewLease extends a lease held by owner.
func (q *Queue) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE drain_lease SET expires_at = ? WHERE name = ? AND owner = ?`,
		q.now().Add(ttl).UnixMilli(), drainLease, owner)
	if err != nil {
		return fmt.Errorf("failed to renew drain lease: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

// ReleaseLease frees the lease if owner holds it.
func (q *Queue) ReleaseLease(ctx context.Context, owner string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM drain_lease WHERE name = ? AND owner = ?`, drainLease, owner)
	if err != nil {
		return fmt.Errorf("failed to release drain lease: %w", err)
	}
	return nil
}
