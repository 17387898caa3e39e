package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/trackmerge/internal/record"
)

// TargetRow is one row of a target table.
type TargetRow struct {
	Record     record.Record
	Digest     string
	SnapshotID string
	MergedAt   time.Time
}

// TargetTx is a transaction over one target table.
//
// Every method runs inside the same *sql.Tx, so the existence check, the
// delete phase, the insert phase and the snapshot's merged flag commit or
// roll back together.
type TargetTx struct {
	tx     *sql.Tx
	target string
	now    time.Time
}

// BeginTarget opens a transaction over target. now stamps created_at and
// merged_at of everything written through the transaction.
//
// The caller must call Commit or Rollback. Rollback after Commit is a no-op.
func (s *Store) BeginTarget(ctx context.Context, target string, now time.Time) (*TargetTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin target tx: %w", err)
	}
	return &TargetTx{tx: tx, target: target, now: now}, nil
}

// Exists reports whether the target table has been created.
func (t *TargetTx) Exists(ctx context.Context) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE name = ?`, t.target).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("target exists: %w", err)
	}
	return n > 0, nil
}

// Create registers the target. snapshotID records which snapshot bootstrapped it.
func (t *TargetTx) Create(ctx context.Context, snapshotID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO targets (name, created_at, created_by_snapshot) VALUES (?, ?, ?)
	`, t.target, formatTime(t.now), snapshotID)
	if err != nil {
		return fmt.Errorf("create target %s: %w", t.target, err)
	}
	return nil
}

// DeleteKeys removes the rows whose tracking number is in keys.
// Rows for any other key are not touched. Returns the number deleted.
func (t *TargetTx) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		DELETE FROM target_rows WHERE target = ? AND tracking_num = ?
	`)
	if err != nil {
		return 0, fmt.Errorf("delete keys: prepare: %w", err)
	}
	defer stmt.Close()

	var deleted int64
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, t.target, k)
		if err != nil {
			return deleted, fmt.Errorf("delete keys: %s: %w", k, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("delete keys: rows affected: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// Append inserts recs. A key that already has a row is an error: callers
// delete matching keys first and pass deduplicated records.
func (t *TargetTx) Append(ctx context.Context, snapshotID string, recs []record.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO target_rows (target, tracking_num, payload, row_digest, snapshot_id, merged_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("append: prepare: %w", err)
	}
	defer stmt.Close()

	mergedAt := formatTime(t.now)
	var inserted int64
	for _, r := range recs {
		payload, err := record.MarshalPayload(r.Fields)
		if err != nil {
			return inserted, fmt.Errorf("append %s: %w", r.TrackingNum, err)
		}
		digest, err := record.Digest(r)
		if err != nil {
			return inserted, fmt.Errorf("append %s: %w", r.TrackingNum, err)
		}
		if _, err := stmt.ExecContext(ctx, t.target, r.TrackingNum, string(payload), digest, snapshotID, mergedAt); err != nil {
			return inserted, fmt.Errorf("append %s: %w", r.TrackingNum, err)
		}
		inserted++
	}
	return inserted, nil
}

// MarkSnapshotMerged flags the snapshot as folded into the target.
func (t *TargetTx) MarkSnapshotMerged(ctx context.Context, snapshotID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE snapshots SET merged_at = ? WHERE id = ?
	`, formatTime(t.now), snapshotID)
	if err != nil {
		return fmt.Errorf("mark snapshot merged: %w", err)
	}
	return nil
}

// Commit commits the transaction.
func (t *TargetTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit target tx: %w", err)
	}
	return nil
}

// Rollback aborts the transaction.
func (t *TargetTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback target tx: %w", err)
	}
	return nil
}

// TargetExists reports whether target has been created.
func (s *Store) TargetExists(ctx context.Context, target string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE name = ?`, target).Scan(&n); err != nil {
		return false, fmt.Errorf("target exists: %w", err)
	}
	return n > 0, nil
}

// TargetRows returns every row of target ordered by tracking number.
func (s *Store) TargetRows(ctx context.Context, target string) ([]TargetRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tracking_num, payload, row_digest, snapshot_id, merged_at
		FROM target_rows
		WHERE target = ?
		ORDER BY tracking_num COLLATE BINARY ASC
	`, target)
	if err != nil {
		return nil, fmt.Errorf("query target rows: %w", err)
	}
	defer rows.Close()

	out := []TargetRow{}
	for rows.Next() {
		var (
			tr       TargetRow
			payload  string
			mergedAt string
		)
		if err := rows.Scan(&tr.Record.TrackingNum, &payload, &tr.Digest, &tr.SnapshotID, &mergedAt); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		if tr.Record.Fields, err = record.UnmarshalPayload([]byte(payload)); err != nil {
			return nil, err
		}
		if tr.MergedAt, err = parseTime(mergedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate target rows: %w", err)
	}
	return out, nil
}

// TargetRecords returns the target content as a map keyed by tracking number.
func (s *Store) TargetRecords(ctx context.Context, target string) (map[string]record.Record, error) {
	rows, err := s.TargetRows(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make(map[string]record.Record, len(rows))
	for _, r := range rows {
		out[r.Record.TrackingNum] = r.Record
	}
	return out, nil
}
