// Package pipeline implements the PipelineCoordinator.
//
// A run moves through Idle -> Staging -> Archiving -> Merging -> Done, or
// to Failed from any in-progress state. Steps run sequentially and never
// out of order; the first failing step ends the run and later steps do not
// execute. The coordinator never retries on its own: a failed run is
// retried by the next trigger, which is safe because staging skips ledger
// files, archival is per-file idempotent and merging is idempotent.
//
// Before staging, a snapshot that was staged but never merged (the
// previous run failed or crashed while merging) is merged first. Otherwise
// the fresh snapshot would replace it, and its files are already archived.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/trackmerge/internal/archive"
	"github.com/roach88/trackmerge/internal/ids"
	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/staging"
	"github.com/roach88/trackmerge/internal/store"
)

// Coordinator sequences staging, archival and merge for one target.
//
// Thread-safety: Run may be called from several goroutines; runs against
// the same target are serialised by the merge guard and a conflicting run
// fails fast with CONCURRENCY_CONFLICT.
type Coordinator struct {
	store    *store.Store
	target   string
	ingestor *staging.Ingestor
	archiver *archive.Archiver
	merger   *merge.Engine
	runIDs   ids.Generator
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRunIDs sets the run id generator (default UUIDv7).
func WithRunIDs(g ids.Generator) Option {
	return func(c *Coordinator) { c.runIDs = g }
}

// WithClock sets the time source for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator for target.
func New(
	st *store.Store,
	target string,
	ingestor *staging.Ingestor,
	archiver *archive.Archiver,
	merger *merge.Engine,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:    st,
		target:   target,
		ingestor: ingestor,
		archiver: archiver,
		merger:   merger,
		runIDs:   ids.UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run carries the mutable state of one run.
type run struct {
	c      *Coordinator
	report *Report
	logger *slog.Logger
}

// Run executes one triggered run and returns its report.
// The error is non-nil exactly when the run ends Failed; the report is
// always returned.
func (c *Coordinator) Run(ctx context.Context, trigger string) (*Report, error) {
	runID := c.runIDs.Generate()
	r := &run{
		c: c,
		report: &Report{
			RunID:     runID,
			Target:    c.target,
			Trigger:   trigger,
			State:     StateIdle,
			StartedAt: c.now(),
			Steps:     []StepReport{},
		},
		logger: c.logger.With("run", runID, "target", c.target),
	}
	r.logger.Info("run triggered", "trigger", trigger)

	if err := r.transition(StateStaging); err != nil {
		return r.report, err
	}

	release, err := c.merger.Guard().Acquire(ctx, "run", c.target, runID)
	if err != nil {
		return r.fail(StepStage, c.now(), err)
	}
	defer release()
	r.save(ctx)

	if err := r.recoverUnmerged(ctx); err != nil {
		return r.report, err
	}
	snapshotID, err := r.stage(ctx)
	if err != nil {
		return r.report, err
	}

	if err := r.renew(ctx, StepArchive); err != nil {
		return r.report, err
	}
	if err := r.advance(StepArchive, StateArchiving); err != nil {
		return r.report, err
	}
	if err := r.archive(ctx); err != nil {
		return r.report, err
	}

	if err := r.renew(ctx, StepMerge); err != nil {
		return r.report, err
	}
	if err := r.advance(StepMerge, StateMerging); err != nil {
		return r.report, err
	}
	if err := r.merge(ctx, snapshotID); err != nil {
		return r.report, err
	}

	if err := r.advance(StepMerge, StateDone); err != nil {
		return r.report, err
	}
	r.report.FinishedAt = c.now()
	r.save(ctx)
	r.logger.Info("run done")
	return r.report, nil
}

// recoverUnmerged merges a staged snapshot that no run has merged yet.
func (r *run) recoverUnmerged(ctx context.Context) error {
	snap, err := r.c.store.CurrentSnapshot(ctx, r.c.target)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		_, err = r.fail(StepRecover, r.c.now(), err)
		return err
	}
	if snap.Merged() {
		return nil
	}
	started := r.c.now()

	r.logger.Warn("merging snapshot left unmerged by an earlier run",
		"snapshot", snap.ID, "staged_by", snap.RunID)
	res, err := r.c.merger.Apply(ctx, r.c.target, snap)
	if err != nil {
		_, err = r.fail(StepRecover, started, err)
		return err
	}
	step := mergeStep(StepRecover, res)
	step.StartedAt, step.FinishedAt = started, r.c.now()
	r.record(step)
	return nil
}

func (r *run) stage(ctx context.Context) (string, error) {
	started := r.c.now()
	if err := ctx.Err(); err != nil {
		_, err = r.fail(StepStage, started, err)
		return "", err
	}

	res, err := r.c.ingestor.Ingest(ctx, r.c.target, r.report.RunID)
	if err != nil {
		_, err = r.fail(StepStage, started, err)
		return "", err
	}
	r.record(StepReport{
		Name:       StepStage,
		Status:     StepOK,
		StartedAt:  started,
		FinishedAt: r.c.now(),
		Snapshot:   res.SnapshotID,
		Counts: map[string]int64{
			"records": int64(res.Records),
			"files":   int64(len(res.Files)),
			"skipped": int64(len(res.Skipped)),
		},
	})
	return res.SnapshotID, nil
}

// archive relocates staged files. Per-file failures degrade the step but
// do not fail the run: the merge depends only on the staged snapshot.
func (r *run) archive(ctx context.Context) error {
	started := r.c.now()
	if err := ctx.Err(); err != nil {
		_, err = r.fail(StepArchive, started, err)
		return err
	}

	res, err := r.c.archiver.Archive(ctx, r.c.target)
	if err != nil {
		_, err = r.fail(StepArchive, started, err)
		return err
	}

	step := StepReport{
		Name:       StepArchive,
		Status:     StepOK,
		StartedAt:  started,
		FinishedAt: r.c.now(),
		Counts: map[string]int64{
			"archived": int64(res.Archived),
			"failed":   int64(res.Failed),
		},
	}
	for _, f := range res.Files {
		if f.Err != nil {
			step.Files = append(step.Files, FileFailure{Name: f.Name, Error: f.Err.Error()})
		}
	}
	if res.Failed > 0 {
		step.Status = StepDegraded
		step.Code = string(runerr.CodeRelocation)
		r.logger.Warn("archival incomplete; files stay pending for the next run", "failed", res.Failed)
	}
	r.record(step)
	return nil
}

func (r *run) merge(ctx context.Context, snapshotID string) error {
	started := r.c.now()
	if err := ctx.Err(); err != nil {
		_, err = r.fail(StepMerge, started, err)
		return err
	}

	snap, err := r.c.store.CurrentSnapshot(ctx, r.c.target)
	if err == nil && snap.ID != snapshotID {
		err = fmt.Errorf("current snapshot %s is not the one staged by this run (%s)", snap.ID, snapshotID)
	}
	if err != nil {
		_, err = r.fail(StepMerge, started, err)
		return err
	}

	res, err := r.c.merger.Apply(ctx, r.c.target, snap)
	if err != nil {
		_, err = r.fail(StepMerge, started, err)
		return err
	}
	step := mergeStep(StepMerge, res)
	step.StartedAt, step.FinishedAt = started, r.c.now()
	r.record(step)
	return nil
}

func mergeStep(name string, res *merge.Result) StepReport {
	created := int64(0)
	if res.Created {
		created = 1
	}
	return StepReport{
		Name:     name,
		Status:   StepOK,
		Snapshot: res.SnapshotID,
		Counts: map[string]int64{
			"input":        int64(res.Input),
			"deduplicated": int64(res.Deduplicated),
			"deleted":      res.Deleted,
			"inserted":     res.Inserted,
			"created":      created,
		},
	}
}

func (r *run) record(step StepReport) {
	r.report.Steps = append(r.report.Steps, step)
	r.logger.Info("step complete", "step", step.Name, "status", step.Status, "counts", step.Counts)
}

// fail ends the run in Failed, recording step and cause.
func (r *run) fail(step string, started time.Time, cause error) (*Report, error) {
	finished := r.c.now()
	code := string(runerr.CodeOf(cause))
	r.report.Steps = append(r.report.Steps, StepReport{
		Name:       step,
		Status:     StepFailed,
		StartedAt:  started,
		FinishedAt: finished,
		Code:       code,
		Error:      cause.Error(),
	})
	r.report.FailedStep = step
	r.report.Code = code
	r.report.Cause = cause.Error()
	r.report.FinishedAt = finished
	if r.report.State != StateFailed {
		_ = r.transition(StateFailed)
	}

	// the run's context may already be cancelled
	r.save(context.Background())
	r.logger.Error("run failed", "step", step, "state", stepState(step), "code", code, "error", cause)
	return r.report, fmt.Errorf("run %s: %s: %w", r.report.RunID, step, cause)
}

func (r *run) transition(to State) error {
	if !CanTransition(r.report.State, to) {
		return &illegalTransitionError{from: r.report.State, to: to}
	}
	r.logger.Debug("state transition", "from", r.report.State, "to", to)
	r.report.State = to
	return nil
}

// advance moves to the state of the next step, failing the run on an
// illegal transition.
func (r *run) advance(step string, to State) error {
	if err := r.transition(to); err != nil {
		_, err = r.fail(step, r.c.now(), err)
		return err
	}
	return nil
}

// renew refreshes the run's lease on the target ahead of step.
func (r *run) renew(ctx context.Context, step string) error {
	if err := r.c.merger.Guard().Refresh(ctx, step, r.c.target, r.report.RunID); err != nil {
		_, err = r.fail(step, r.c.now(), err)
		return err
	}
	return nil
}

func (r *run) save(ctx context.Context) {
	body, err := r.report.encode()
	if err != nil {
		r.logger.Error("encode report failed", "error", err)
		return
	}
	err = r.c.store.SaveReport(ctx, store.StoredReport{
		RunID:  r.report.RunID,
		Target: r.report.Target,
		State:  string(r.report.State),
		Body:   body,
	})
	if err != nil {
		r.logger.Error("save report failed", "error", err)
	}
}
