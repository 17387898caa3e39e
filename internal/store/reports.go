package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StoredReport is a persisted run report. Body is the JSON encoding
// produced by the pipeline package.
type StoredReport struct {
	RunID  string
	Target string
	State  string
	Body   []byte
}

// SaveReport inserts or replaces the report for runID.
func (s *Store) SaveReport(ctx context.Context, r StoredReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_reports (run_id, target, state, report) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET state = excluded.state, report = excluded.report
	`, r.RunID, r.Target, r.State, string(r.Body))
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.RunID, err)
	}
	return nil
}

// ListReports returns up to limit reports for target, newest first.
// limit <= 0 returns all reports.
func (s *Store) ListReports(ctx context.Context, target string, limit int) ([]StoredReport, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, target, state, report
		FROM run_reports
		WHERE target = ?
		ORDER BY id DESC
		LIMIT ?
	`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	out := []StoredReport{}
	for rows.Next() {
		var (
			r    StoredReport
			body string
		)
		if err := rows.Scan(&r.RunID, &r.Target, &r.State, &body); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Body = []byte(body)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// GetReport returns the report for runID, or ErrNotFound.
func (s *Store) GetReport(ctx context.Context, runID string) (*StoredReport, error) {
	var (
		r    StoredReport
		body string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, target, state, report FROM run_reports WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.Target, &r.State, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", runID, err)
	}
	r.Body = []byte(body)
	return &r, nil
}
