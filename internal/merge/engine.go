package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/trackmerge/internal/record"
	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/store"
)

// Phase identifies a point inside the merge transaction.
type Phase string

const (
	// PhaseBootstrap follows creation of a new target, before its load.
	PhaseBootstrap Phase = "bootstrap"
	// PhaseDelete follows the delete phase, before the insert phase.
	PhaseDelete Phase = "delete"
	// PhaseInsert follows the insert phase, before commit.
	PhaseInsert Phase = "insert"
)

// Result reports one merge.
type Result struct {
	Target     string
	SnapshotID string

	// Created is true when this merge bootstrapped the target.
	Created bool

	// Input is the number of snapshot records; Deduplicated how many of
	// them lost the last-occurrence tie-break.
	Input        int
	Deduplicated int

	Deleted  int64
	Inserted int64

	// Reapplied is true when the snapshot had already been merged before.
	Reapplied bool
}

// Engine is the MergeEngine.
type Engine struct {
	store      *store.Store
	guard      *Guard
	now        func() time.Time
	logger     *slog.Logger
	afterPhase func(Phase) error
	leaseTTL   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLeaseTTL sets the durable lease TTL of the default guard.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = ttl }
}

// WithClock sets the time source for merged_at stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAfterPhase installs a callback run inside the transaction after each
// phase. A non-nil error aborts the merge; tests use it to simulate a
// crash between delete and insert.
func WithAfterPhase(fn func(Phase) error) Option {
	return func(e *Engine) { e.afterPhase = fn }
}

// New creates an Engine over st.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		now:      time.Now,
		logger:   slog.Default(),
		leaseTTL: DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.guard = NewGuard(st, e.leaseTTL, e.now, e.logger)
	return e
}

// Guard returns the engine's guard.
func (e *Engine) Guard() *Guard {
	return e.guard
}

// Merge acquires target and applies its current snapshot.
// With nothing staged yet, Merge is a no-op.
func (e *Engine) Merge(ctx context.Context, target, holder string) (*Result, error) {
	release, err := e.guard.Acquire(ctx, "merge", target, holder)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := e.store.CurrentSnapshot(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{Target: target}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return e.Apply(ctx, target, snap)
}

// Apply folds snap into target. The caller must hold target through the
// engine's Guard.
func (e *Engine) Apply(ctx context.Context, target string, snap *store.Snapshot) (*Result, error) {
	recs, err := e.store.SnapshotRecords(ctx, snap.ID)
	if err != nil {
		return nil, runerr.MergeTransaction(target, "read snapshot", err)
	}
	rows, dropped := record.Dedupe(recs)

	res := &Result{
		Target:       target,
		SnapshotID:   snap.ID,
		Input:        len(recs),
		Deduplicated: dropped,
		Reapplied:    snap.Merged(),
	}

	tx, err := e.store.BeginTarget(ctx, target, e.now())
	if err != nil {
		return nil, runerr.MergeTransaction(target, "begin", err)
	}
	defer tx.Rollback()

	if err := e.applyTx(ctx, tx, snap.ID, rows, res); err != nil {
		return nil, runerr.MergeTransaction(target, "rolled back", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, runerr.MergeTransaction(target, "commit", err)
	}

	e.logger.Info("snapshot merged",
		"target", target, "snapshot", snap.ID, "created", res.Created,
		"input", res.Input, "deduplicated", res.Deduplicated,
		"deleted", res.Deleted, "inserted", res.Inserted, "reapplied", res.Reapplied)
	return res, nil
}

func (e *Engine) applyTx(ctx context.Context, tx *store.TargetTx, snapshotID string, rows []record.Record, res *Result) error {
	if len(rows) > 0 {
		exists, err := tx.Exists(ctx)
		if err != nil {
			return err
		}

		if !exists {
			if err := tx.Create(ctx, snapshotID); err != nil {
				return err
			}
			res.Created = true
			if err := e.after(PhaseBootstrap); err != nil {
				return err
			}
		} else {
			deleted, err := tx.DeleteKeys(ctx, record.Keys(rows))
			if err != nil {
				return err
			}
			res.Deleted = deleted
			if err := e.after(PhaseDelete); err != nil {
				return err
			}
		}

		inserted, err := tx.Append(ctx, snapshotID, rows)
		if err != nil {
			return err
		}
		res.Inserted = inserted
		if err := e.after(PhaseInsert); err != nil {
			return err
		}
	}

	return tx.MarkSnapshotMerged(ctx, snapshotID)
}

func (e *Engine) after(p Phase) error {
	if e.afterPhase == nil {
		return nil
	}
	if err := e.afterPhase(p); err != nil {
		return fmt.Errorf("after %s phase: %w", p, err)
	}
	return nil
}
