package nightly

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseHeld is returned when another holder owns an unexpired lease.
var ErrLeaseHeld = errors.New("job lease held by another runner")

// completedRetention is how long completed leases are kept before Complete
// prunes them.
const completedRetention = 30 * 24 * time.Hour

// Locker grants exclusive, expiring ownership of a named job. A completed
// lease can never be acquired again.
type Locker interface {
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) error
	Release(ctx context.Context, name, holder string) error
	Complete(ctx context.Context, name, holder string) error
}

// Lease is a Locker backed by the job_leases table. Processes sharing the
// database file share the lease; an expired lease can be taken over, so a
// crashed runner does not block the schedule forever.
type Lease struct {
	db  *sql.DB
	now func() time.Time
}

// NewLease wraps an opened database (see package db).
func NewLease(db *sql.DB) *Lease {
	return &Lease{db: db, now: time.Now}
}

// TryAcquire takes the lease if it is free, expired or already ours, and
// not completed.
func (l *Lease) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO job_leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE job_leases.completed_at IS NULL
		   AND (job_leases.expires_at <= ? OR job_leases.holder = excluded.holder)`,
		name, holder, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, ErrLeaseHeld)
	}
	return nil
}

// Release gives the lease up if we still hold it.
func (l *Lease) Release(ctx context.Context, name, holder string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM job_leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}

// Complete marks the lease as done for good, so the work it guarded is not
// repeated by anyone. Completed leases older than a month are pruned.
func (l *Lease) Complete(ctx context.Context, name, holder string) error {
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`UPDATE job_leases SET completed_at = ? WHERE name = ? AND holder = ? AND completed_at IS NULL`,
		now.UnixNano(), name, holder)
	if err != nil {
		return fmt.Errorf("completing lease %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing lease %s: %w", name, ErrLeaseHeld)
	}
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM job_leases WHERE completed_at IS NOT NULL AND completed_at < ?`,
		now.Add(-completedRetention).UnixNano()); err != nil {
		return fmt.Errorf("pruning completed leases: %w", err)
	}
	return nil
}
