package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/trackmerge/internal/record"
)

// Snapshot describes a staged batch.
type Snapshot struct {
	ID          string
	Target      string
	RunID       string
	Columns     []string // sorted
	RecordCount int
	CreatedAt   time.Time
	MergedAt    *time.Time
}

// Merged reports whether the snapshot has been folded into its target.
func (s *Snapshot) Merged() bool {
	return s.MergedAt != nil
}

// BatchFile is one entry of the raw batch file ledger.
type BatchFile struct {
	Target       string
	Name         string
	SourcePath   string
	Digest       string
	SnapshotID   string
	RecordCount  int
	State        FileState
	ArchivedPath string
}

// FileKey identifies a ledger entry within a target.
type FileKey struct {
	Name   string
	Digest string
}

// Key returns the ledger key of f.
func (f BatchFile) Key() FileKey {
	return FileKey{Name: f.Name, Digest: f.Digest}
}

// FileState is the archival state of a ledger entry.
type FileState string

const (
	FileStaged   FileState = "staged"
	FileArchived FileState = "archived"
	// FileSuperseded marks a staged entry whose source file was overwritten
	// with new content before it could be archived.
	FileSuperseded FileState = "superseded"
)

// Ledger lists the ledger changes written together with a snapshot.
type Ledger struct {
	// Added are the files consumed into the snapshot.
	Added []BatchFile
	// Requeued are archived or superseded entries delivered again with the
	// same content. They return to staged so the archiver clears the
	// source copy; they are not staged a second time.
	Requeued []BatchFile
	// Superseded are staged entries whose source path now holds different
	// content.
	Superseded []FileKey
}

// ReplaceSnapshot stages a new snapshot for snap.Target, replacing the
// current one.
//
// The snapshot row, its records, the ledger changes and the
// staging_current pointer are written in a single transaction. The
// previous snapshot and its records are deleted in the same transaction,
// so readers see either the old snapshot or the new one, never a mix.
func (s *Store) ReplaceSnapshot(ctx context.Context, snap Snapshot, recs []record.Record, ledger Ledger) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var previous string
		err := tx.QueryRowContext(ctx,
			`SELECT snapshot_id FROM staging_current WHERE target = ?`, snap.Target,
		).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("replace snapshot: read current: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (id, target, run_id, schema_columns, record_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, snap.ID, snap.Target, snap.RunID, strings.Join(snap.Columns, ","), len(recs), formatTime(snap.CreatedAt))
		if err != nil {
			return fmt.Errorf("replace snapshot: insert snapshot: %w", err)
		}

		if err := insertSnapshotRecords(ctx, tx, snap.ID, recs); err != nil {
			return err
		}

		if err := applyLedger(ctx, tx, snap, ledger); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO staging_current (target, snapshot_id) VALUES (?, ?)
			ON CONFLICT(target) DO UPDATE SET snapshot_id = excluded.snapshot_id
		`, snap.Target, snap.ID)
		if err != nil {
			return fmt.Errorf("replace snapshot: swap pointer: %w", err)
		}

		if previous != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, previous); err != nil {
				return fmt.Errorf("replace snapshot: drop previous: %w", err)
			}
		}
		return nil
	})
}

func applyLedger(ctx context.Context, tx *sql.Tx, snap Snapshot, ledger Ledger) error {
	for _, f := range ledger.Added {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_files (target, name, source_path, digest, snapshot_id, record_count, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snap.Target, f.Name, f.SourcePath, f.Digest, snap.ID, f.RecordCount, string(FileStaged))
		if err != nil {
			return fmt.Errorf("replace snapshot: ledger %s: %w", f.Name, err)
		}
	}
	for _, f := range ledger.Requeued {
		err := updateFile(ctx, tx, `SET state = ?, source_path = ?`,
			snap.Target, f.Key(), string(FileStaged), f.SourcePath)
		if err != nil {
			return fmt.Errorf("replace snapshot: requeue %s: %w", f.Name, err)
		}
	}
	for _, key := range ledger.Superseded {
		err := updateFile(ctx, tx, `SET state = ?`, snap.Target, key, string(FileSuperseded))
		if err != nil {
			return fmt.Errorf("replace snapshot: supersede %s: %w", key.Name, err)
		}
	}
	return nil
}

// updateFile applies set to exactly one ledger entry.
func updateFile(ctx context.Context, tx *sql.Tx, set, target string, key FileKey, args ...any) error {
	args = append(args, target, key.Name, key.Digest)
	res, err := tx.ExecContext(ctx,
		`UPDATE batch_files `+set+` WHERE target = ? AND name = ? AND digest = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertSnapshotRecords(ctx context.Context, tx *sql.Tx, snapshotID string, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_records (snapshot_id, ordinal, tracking_num, payload)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("replace snapshot: prepare records: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		payload, err := record.MarshalPayload(r.Fields)
		if err != nil {
			return fmt.Errorf("replace snapshot: record %s: %w", r.TrackingNum, err)
		}
		if _, err := stmt.ExecContext(ctx, snapshotID, r.Ordinal, r.TrackingNum, string(payload)); err != nil {
			return fmt.Errorf("replace snapshot: insert record %s: %w", r.TrackingNum, err)
		}
	}
	return nil
}

// CurrentSnapshot returns the staged snapshot for target.
// Returns ErrNotFound if nothing has been staged yet.
func (s *Store) CurrentSnapshot(ctx context.Context, target string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.target, s.run_id, s.schema_columns, s.record_count, s.created_at, s.merged_at
		FROM staging_current c
		JOIN snapshots s ON s.id = c.snapshot_id
		WHERE c.target = ?
	`, target)

	var (
		snap      Snapshot
		columns   string
		createdAt string
		mergedAt  sql.NullString
	)
	err := row.Scan(&snap.ID, &snap.Target, &snap.RunID, &columns, &snap.RecordCount, &createdAt, &mergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current snapshot: %w", err)
	}

	if columns != "" {
		snap.Columns = strings.Split(columns, ",")
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if mergedAt.Valid {
		t, err := parseTime(mergedAt.String)
		if err != nil {
			return nil, err
		}
		snap.MergedAt = &t
	}
	return &snap, nil
}

// SnapshotRecords returns the records of a snapshot in enumeration order.
// Returns an empty slice (not nil) for an empty snapshot.
func (s *Store) SnapshotRecords(ctx context.Context, snapshotID string) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, tracking_num, payload
		FROM snapshot_records
		WHERE snapshot_id = ?
		ORDER BY ordinal ASC
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query snapshot records: %w", err)
	}
	defer rows.Close()

	recs := []record.Record{}
	for rows.Next() {
		var (
			r       record.Record
			payload string
		)
		if err := rows.Scan(&r.Ordinal, &r.TrackingNum, &payload); err != nil {
			return nil, fmt.Errorf("scan snapshot record: %w", err)
		}
		if r.Fields, err = record.UnmarshalPayload([]byte(payload)); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot records: %w", err)
	}
	return recs, nil
}

// KnownFiles returns the ledger entries for target keyed by name and digest.
func (s *Store) KnownFiles(ctx context.Context, target string) (map[FileKey]BatchFile, error) {
	files, err := s.queryFiles(ctx, `WHERE target = ?`, target)
	if err != nil {
		return nil, err
	}
	known := make(map[FileKey]BatchFile, len(files))
	for _, f := range files {
		known[f.Key()] = f
	}
	return known, nil
}

// PendingArchival returns ledger entries still waiting to be relocated,
// ordered by name.
func (s *Store) PendingArchival(ctx context.Context, target string) ([]BatchFile, error) {
	return s.queryFiles(ctx, `WHERE target = ? AND state = ?`, target, string(FileStaged))
}

// SnapshotFiles returns the ledger entries consumed into a snapshot.
func (s *Store) SnapshotFiles(ctx context.Context, snapshotID string) ([]BatchFile, error) {
	return s.queryFiles(ctx, `WHERE snapshot_id = ?`, snapshotID)
}

// MarkArchived records that the ledger entry key of target was relocated
// to archivedPath. Marking an already archived entry again is a no-op.
func (s *Store) MarkArchived(ctx context.Context, target string, key FileKey, archivedPath string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_files SET state = ?, archived_path = ?
		WHERE target = ? AND name = ? AND digest = ?
	`, string(FileArchived), archivedPath, target, key.Name, key.Digest)
	if err != nil {
		return fmt.Errorf("mark archived %s: %w", key.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark archived %s: rows affected: %w", key.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("mark archived %s: %w", key.Name, ErrNotFound)
	}
	return nil
}

func (s *Store) queryFiles(ctx context.Context, where string, args ...any) ([]BatchFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, name, source_path, digest, snapshot_id, record_count, state, archived_path
		FROM batch_files `+where+`
		ORDER BY name COLLATE BINARY ASC, snapshot_id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query batch files: %w", err)
	}
	defer rows.Close()

	files := []BatchFile{}
	for rows.Next() {
		var (
			f        BatchFile
			state    string
			archived sql.NullString
		)
		if err := rows.Scan(&f.Target, &f.Name, &f.SourcePath, &f.Digest, &f.SnapshotID, &f.RecordCount, &state, &archived); err != nil {
			return nil, fmt.Errorf("scan batch file: %w", err)
		}
		f.State = FileState(state)
		f.ArchivedPath = archived.String
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch files: %w", err)
	}
	return files, nil
}
