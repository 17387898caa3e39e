package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease is the durable merge lock of a target.
type Lease struct {
	Target     string
	Holder     string
	AcquiredAt time.Time
}

// AcquireLease claims the merge lease on target for holder.
//
// Returns acquired=false and the current lease when another holder owns a
// lease younger than ttl. A lease older than ttl is taken over. ttl <= 0
// means leases never expire. Re-acquiring one's own lease refreshes it.
func (s *Store) AcquireLease(ctx context.Context, target, holder string, now time.Time, ttl time.Duration) (bool, *Lease, error) {
	var (
		acquired bool
		current  *Lease
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			l          Lease
			acquiredAt string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT target, holder, acquired_at FROM merge_leases WHERE target = ?`, target,
		).Scan(&l.Target, &l.Holder, &acquiredAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("acquire lease: read: %w", err)
		default:
			if l.AcquiredAt, err = parseTime(acquiredAt); err != nil {
				return err
			}
			expired := ttl > 0 && now.Sub(l.AcquiredAt) >= ttl
			if l.Holder != holder && !expired {
				current = &l
				return nil
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO merge_leases (target, holder, acquired_at) VALUES (?, ?, ?)
			ON CONFLICT(target) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
		`, target, holder, formatTime(now))
		if err != nil {
			return fmt.Errorf("acquire lease: write: %w", err)
		}
		acquired = true
		current = &Lease{Target: target, Holder: holder, AcquiredAt: now}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return acquired, current, nil
}

// ReleaseLease drops the lease on target if holder owns it.
func (s *Store) ReleaseLease(ctx context.Context, target, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM merge_leases WHERE target = ? AND holder = ?`, target, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// BreakLease removes the lease on target regardless of holder.
// Returns false if there was no lease.
func (s *Store) BreakLease(ctx context.Context, target string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM merge_leases WHERE target = ?`, target)
	if err != nil {
		return false, fmt.Errorf("break lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("break lease: rows affected: %w", err)
	}
	return n > 0, nil
}

// CurrentLease returns the lease on target, or ErrNotFound.
func (s *Store) CurrentLease(ctx context.Context, target string) (*Lease, error) {
	var (
		l          Lease
		acquiredAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT target, holder, acquired_at FROM merge_leases WHERE target = ?`, target,
	).Scan(&l.Target, &l.Holder, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current lease: %w", err)
	}
	if l.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return nil, err
	}
	return &l, nil
}
