package harness

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/trackmerge/internal/archive"
	"github.com/roach88/trackmerge/internal/ids"
	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/pipeline"
	"github.com/roach88/trackmerge/internal/staging"
	"github.com/roach88/trackmerge/internal/store"
	"github.com/roach88/trackmerge/internal/testutil"
)

// ErrInjected is the cause of merge failures requested by fail_after.
var ErrInjected = errors.New("injected merge failure")

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes scenario steps against one scratch pipeline.
type Harness struct {
	scenario   *Scenario
	store      *store.Store
	sourceDir  string
	archiveDir string
	clock      *testutil.StepClock
	runIDs     ids.Generator
	snapshots  ids.Generator
	logger     *slog.Logger
}

// Run executes a scenario in a fresh temporary directory and database.
//
// Execution flow:
//  1. Create source and archive directories and a SQLite store
//  2. Execute steps in order, tracing drops and run outcomes
//  3. Check run expectations and evaluate assertions
//
// An error is returned only when the harness itself cannot proceed;
// scenario failures are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "trackmerge-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(root)

	h := &Harness{
		scenario:   scenario,
		sourceDir:  filepath.Join(root, "incoming"),
		archiveDir: filepath.Join(root, "archive"),
		clock:      testutil.NewStepClock(epoch, time.Second),
		runIDs:     ids.NewSequenceGenerator("run"),
		snapshots:  ids.NewSequenceGenerator("snap"),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, dir := range []string{h.sourceDir, h.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	h.store, err = store.Open(filepath.Join(root, "trackmerge.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer h.store.Close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		seq := i + 1
		switch {
		case step.Drop != nil:
			if err := h.drop(step.Drop); err != nil {
				return nil, fmt.Errorf("step %d: %w", seq, err)
			}
			result.Trace = append(result.Trace, TraceEvent{
				Seq:     seq,
				Type:    "drop",
				File:    step.Drop.Name,
				Records: len(step.Drop.Rows),
			})
		case step.Run != nil:
			ev := h.run(ctx, step.Run)
			ev.Seq = seq
			result.Trace = append(result.Trace, ev)
			if msg := checkExpect(ev, step.Run.Expect); msg != "" {
				result.AddError(fmt.Sprintf("step %d: %s", seq, msg))
			}
		}
	}

	recs, err := h.store.TargetRecords(ctx, scenario.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to read target: %w", err)
	}
	for k, r := range recs {
		result.Target[k] = r.Fields
	}

	actx := &AssertionContext{
		Ctx:        ctx,
		Store:      h.store,
		Target:     scenario.Target,
		SourceDir:  h.sourceDir,
		ArchiveDir: h.archiveDir,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) drop(d *Drop) error {
	f, err := os.Create(filepath.Join(h.sourceDir, d.Name))
	if err != nil {
		return fmt.Errorf("drop %s: %w", d.Name, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(append([][]string{d.Header}, d.Rows...)); err != nil {
		f.Close()
		return fmt.Errorf("drop %s: %w", d.Name, err)
	}
	return f.Close()
}

// run wires a coordinator for one run. Id generators and the clock are
// shared across runs so ids keep counting up.
func (h *Harness) run(ctx context.Context, step *RunStep) TraceEvent {
	mergeOpts := []merge.Option{merge.WithClock(h.clock.Now), merge.WithLogger(h.logger)}
	if step.FailAfter != "" {
		phase := merge.Phase(step.FailAfter)
		mergeOpts = append(mergeOpts, merge.WithAfterPhase(func(p merge.Phase) error {
			if p == phase {
				return ErrInjected
			}
			return nil
		}))
	}

	coord := pipeline.New(h.store, h.scenario.Target,
		staging.New(h.store, h.sourceDir,
			staging.WithSnapshotIDs(h.snapshots),
			staging.WithClock(h.clock.Now),
			staging.WithLogger(h.logger)),
		archive.New(h.store, h.archiveDir, archive.WithLogger(h.logger)),
		merge.New(h.store, mergeOpts...),
		pipeline.WithRunIDs(h.runIDs),
		pipeline.WithClock(h.clock.Now),
		pipeline.WithLogger(h.logger),
	)

	rep, _ := coord.Run(ctx, "harness")
	ev := TraceEvent{
		Type:       "run",
		RunID:      rep.RunID,
		State:      string(rep.State),
		FailedStep: rep.FailedStep,
		Code:       rep.Code,
	}
	for _, s := range rep.Steps {
		ev.Steps = append(ev.Steps, StepTrace{
			Name:     s.Name,
			Status:   string(s.Status),
			Snapshot: s.Snapshot,
			Counts:   s.Counts,
		})
	}
	return ev
}

func checkExpect(ev TraceEvent, want *RunExpect) string {
	if want == nil {
		return ""
	}
	if ev.State != want.State {
		return fmt.Sprintf("run %s: expected state %s, got %s (failed step %q, code %q)",
			ev.RunID, want.State, ev.State, ev.FailedStep, ev.Code)
	}
	if want.FailedStep != "" && ev.FailedStep != want.FailedStep {
		return fmt.Sprintf("run %s: expected failed step %s, got %s", ev.RunID, want.FailedStep, ev.FailedStep)
	}
	if want.Code != "" && ev.Code != want.Code {
		return fmt.Sprintf("run %s: expected code %s, got %s", ev.RunID, want.Code, ev.Code)
	}
	return ""
}
