package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/testutil"
)

func TestRun_Bootstrap(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"}, [2]string{"B", "y"})

	rep := f.run(t)

	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, []string{StepStage, StepArchive, StepMerge}, stepNames(rep))
	assert.Equal(t, int64(1), rep.Step(StepMerge).Counts["created"])
	assert.Equal(t, map[string]string{"A": "x", "B": "y"}, f.contents(t))

	assert.Empty(t, testutil.Names(t, f.src))
	assert.Equal(t, []string{"b1.csv"}, testutil.Names(t, filepath.Join(f.archive, "snap-1")))
}

func TestRun_LatestWinsAcrossRuns(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"}, [2]string{"B", "y"})
	f.run(t)

	testutil.WriteCSV(t, f.src, "b2.csv", [2]string{"A", "z"}, [2]string{"C", "w"})
	rep := f.run(t)

	// the second run finds the first snapshot already merged
	assert.Equal(t, []string{StepStage, StepArchive, StepMerge}, stepNames(rep))
	merged := rep.Step(StepMerge)
	assert.Equal(t, int64(0), merged.Counts["created"])
	assert.Equal(t, int64(1), merged.Counts["deleted"])
	assert.Equal(t, int64(2), merged.Counts["inserted"])
	assert.Equal(t, map[string]string{"A": "z", "B": "y", "C": "w"}, f.contents(t))
}

func TestRun_DuplicateKeysLastOccurrenceWins(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "first"})
	testutil.WriteCSV(t, f.src, "b2.csv", [2]string{"A", "second"}, [2]string{"A", "third"})

	rep := f.run(t)

	assert.Equal(t, int64(2), rep.Step(StepMerge).Counts["deduplicated"])
	assert.Equal(t, map[string]string{"A": "third"}, f.contents(t))
}

func TestRun_NoNewFilesIsNoOp(t *testing.T) {
	f := newFixture(t)

	rep := f.run(t)

	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, int64(0), rep.Step(StepStage).Counts["records"])
	assert.Equal(t, int64(0), rep.Step(StepMerge).Counts["inserted"])

	exists, err := f.store.TargetExists(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, exists, "an empty snapshot must not create the target")
}

func TestRun_SchemaErrorStopsBeforeArchive(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})
	testutil.WriteRecords(t, f.src, "b2.csv", [][]string{{"tracking_num", "state"}, {"B", "y"}})

	rep, err := f.coord.Run(context.Background(), "manual")

	require.Error(t, err)
	assert.True(t, runerr.IsSchemaError(err))
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, StepStage, rep.FailedStep)
	assert.Equal(t, string(runerr.CodeSchema), rep.Code)
	assert.Nil(t, rep.Step(StepArchive))
	assert.Nil(t, rep.Step(StepMerge))

	assert.Equal(t, []string{"b1.csv", "b2.csv"}, testutil.Names(t, f.src))
	exists, err := f.store.TargetExists(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_RelocationFailureDegradesArchive(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})
	testutil.WriteCSV(t, f.src, "b2.csv", [2]string{"B", "y"})

	// occupy b2's archive slot with different content
	slot := filepath.Join(f.archive, "snap-1")
	require.NoError(t, os.MkdirAll(slot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(slot, "b2.csv"), []byte("other"), 0o644))

	rep := f.run(t)

	assert.Equal(t, StateDone, rep.State)
	archived := rep.Step(StepArchive)
	assert.Equal(t, StepDegraded, archived.Status)
	assert.Equal(t, string(runerr.CodeRelocation), archived.Code)
	require.Len(t, archived.Files, 1)
	assert.Equal(t, "b2.csv", archived.Files[0].Name)

	// the merge still ran on the full snapshot
	assert.Equal(t, map[string]string{"A": "x", "B": "y"}, f.contents(t))
	assert.Equal(t, []string{"b2.csv"}, testutil.Names(t, f.src))

	// once the collision is cleared the next run archives the file
	// without staging it again
	require.NoError(t, os.Remove(filepath.Join(slot, "b2.csv")))
	rep = f.run(t)
	assert.Equal(t, StepOK, rep.Step(StepArchive).Status)
	assert.Equal(t, int64(1), rep.Step(StepArchive).Counts["archived"])
	assert.Equal(t, int64(0), rep.Step(StepStage).Counts["records"])
	assert.Empty(t, testutil.Names(t, f.src))
}

func TestRun_ArchiveFailureSkipsMergeAndNextRunRecovers(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})

	// an archive location that is a file cannot be prepared
	require.NoError(t, os.RemoveAll(f.archive))
	require.NoError(t, os.WriteFile(f.archive, []byte("not a dir"), 0o644))

	rep, err := f.coord.Run(context.Background(), "manual")
	require.Error(t, err)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, StepArchive, rep.FailedStep)
	assert.Nil(t, rep.Step(StepMerge))

	exists, err := f.store.TargetExists(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.Remove(f.archive))
	require.NoError(t, os.MkdirAll(f.archive, 0o755))

	rep = f.run(t)
	assert.Equal(t, []string{StepRecover, StepStage, StepArchive, StepMerge}, stepNames(rep))
	assert.Equal(t, "snap-1", rep.Step(StepRecover).Snapshot)
	assert.Equal(t, map[string]string{"A": "x"}, f.contents(t))
	assert.Empty(t, testutil.Names(t, f.src))
	assert.Equal(t, []string{"b1.csv"}, testutil.Names(t, filepath.Join(f.archive, "snap-1")))
}

func TestRun_MergeFailureRollsBackAndNextRunRecovers(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})
	f.run(t)

	boom := errors.New("disk full")
	f.coord.merger = merge.New(f.store, merge.WithAfterPhase(func(p merge.Phase) error {
		if p == merge.PhaseDelete {
			return boom
		}
		return nil
	}))

	testutil.WriteCSV(t, f.src, "b2.csv", [2]string{"A", "y"})
	rep, err := f.coord.Run(context.Background(), "manual")

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, runerr.IsMergeTransactionError(err))
	assert.Equal(t, StepMerge, rep.FailedStep)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, map[string]string{"A": "x"}, f.contents(t), "target must be unchanged")

	// archival of b2 already happened; recovery merges its snapshot
	assert.Empty(t, testutil.Names(t, f.src))
	f.coord.merger = f.engine
	rep = f.run(t)
	assert.Equal(t, StepRecover, rep.Steps[0].Name)
	assert.Equal(t, map[string]string{"A": "y"}, f.contents(t))
}

func TestRun_ReusedFileNameIsNewBatch(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "orders.csv", [2]string{"A", "shipped"})
	f.run(t)

	testutil.WriteCSV(t, f.src, "orders.csv", [2]string{"A", "delivered"})
	rep := f.run(t)

	staged := rep.Step(StepStage)
	assert.Equal(t, int64(1), staged.Counts["files"])
	assert.Equal(t, int64(0), staged.Counts["skipped"])
	assert.Equal(t, map[string]string{"A": "delivered"}, f.contents(t))

	assert.Empty(t, testutil.Names(t, f.src))
	assert.Equal(t, []string{"orders.csv"}, testutil.Names(t, filepath.Join(f.archive, "snap-1")))
	assert.Equal(t, []string{"orders.csv"}, testutil.Names(t, filepath.Join(f.archive, "snap-2")))
}

func TestRun_RedeliveredFileIsArchivedNotRestaged(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "orders.csv", [2]string{"A", "shipped"})
	f.run(t)
	testutil.WriteCSV(t, f.src, "update.csv", [2]string{"A", "delivered"})
	f.run(t)

	// the first file arrives again, byte for byte
	testutil.WriteCSV(t, f.src, "orders.csv", [2]string{"A", "shipped"})
	rep := f.run(t)

	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, int64(0), rep.Step(StepStage).Counts["files"])
	assert.Equal(t, int64(1), rep.Step(StepStage).Counts["skipped"])
	assert.Equal(t, StepOK, rep.Step(StepArchive).Status)
	assert.Equal(t, int64(1), rep.Step(StepArchive).Counts["archived"])
	assert.Equal(t, map[string]string{"A": "delivered"}, f.contents(t), "old content must not be merged again")

	assert.Empty(t, testutil.Names(t, f.src))
	assert.Equal(t, []string{"orders.csv"}, testutil.Names(t, filepath.Join(f.archive, "snap-1")))
}

func TestRun_LeaseTakenOverMidRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})

	// another process takes the target over while this run stages
	f.onStage = func() {
		f.onStage = nil
		_, err := f.store.BreakLease(ctx, target)
		require.NoError(t, err)
		ok, _, err := f.store.AcquireLease(ctx, target, "other-proc", epoch, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	rep, err := f.coord.Run(ctx, "manual")

	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, StepArchive, rep.FailedStep)
	assert.Nil(t, rep.Step(StepMerge))
	assert.Equal(t, []string{"b1.csv"}, testutil.Names(t, f.src), "nothing moved after losing the lease")

	lease, err := f.store.CurrentLease(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "other-proc", lease.Holder)

	// once the other process lets go, the next run recovers the staged batch
	require.NoError(t, f.store.ReleaseLease(ctx, target, "other-proc"))
	rep = f.run(t)
	assert.Equal(t, StepRecover, rep.Steps[0].Name)
	assert.Equal(t, map[string]string{"A": "x"}, f.contents(t))
	assert.Empty(t, testutil.Names(t, f.src))
}

func TestRun_ConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})

	release, err := f.engine.Guard().Acquire(context.Background(), "merge", target, "other-run")
	require.NoError(t, err)
	defer release()

	rep, err := f.coord.Run(context.Background(), "manual")

	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, string(runerr.CodeConcurrencyConflict), rep.Code)
	assert.Equal(t, []string{"b1.csv"}, testutil.Names(t, f.src), "nothing may be staged or moved")
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := f.coord.Run(ctx, "manual")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, []string{"b1.csv"}, testutil.Names(t, f.src))
}

func TestRun_PersistsReport(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"})
	rep := f.run(t)

	stored, err := f.store.GetReport(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), stored.State)

	decoded, err := DecodeReport(stored.Body)
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, decoded.RunID)
	assert.Equal(t, stepNames(rep), stepNames(decoded))
	assert.True(t, decoded.StartedAt.Equal(rep.StartedAt))
}

func TestRun_FailedReportIsPersisted(t *testing.T) {
	f := newFixture(t)
	testutil.WriteRecords(t, f.src, "b1.csv", [][]string{{"tracking_num", "status"}, {"", "x"}})

	rep, err := f.coord.Run(context.Background(), "manual")
	require.Error(t, err)

	list, err := f.store.ListReports(context.Background(), target, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rep.RunID, list[0].RunID)
	assert.Equal(t, string(StateFailed), list[0].State)
}

func TestRun_ReportGolden(t *testing.T) {
	f := newFixture(t)
	testutil.WriteCSV(t, f.src, "b1.csv", [2]string{"A", "x"}, [2]string{"B", "y"})
	testutil.WriteCSV(t, f.src, "b2.csv", [2]string{"A", "z"})

	rep := f.run(t)

	var text strings.Builder
	require.NoError(t, rep.WriteText(&text))
	body, err := json.MarshalIndent(rep, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "bootstrap_report_text", []byte(text.String()))
	g.Assert(t, "bootstrap_report_json", body)
}
