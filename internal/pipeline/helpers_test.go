package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/trackmerge/internal/archive"
	"github.com/roach88/trackmerge/internal/ids"
	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/staging"
	"github.com/roach88/trackmerge/internal/store"
	"github.com/roach88/trackmerge/internal/testutil"
)

const target = "orders"

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	src     string
	archive string
	engine  *merge.Engine
	coord   *Coordinator

	// onStage, if set, runs whenever the ingestor reads its clock.
	onStage func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src, arch := testutil.Dirs(t)
	f := &fixture{store: st, src: src, archive: arch}
	f.build()
	return f
}

// build wires a fresh coordinator over the fixture's store and dirs.
func (f *fixture) build() {
	components := testutil.NewStepClock(epoch, time.Second)
	f.engine = merge.New(f.store, merge.WithClock(components.Now))
	f.coord = New(f.store, target,
		staging.New(f.store, f.src,
			staging.WithSnapshotIDs(ids.NewSequenceGenerator("snap")),
			staging.WithClock(func() time.Time {
				if f.onStage != nil {
					f.onStage()
				}
				return components.Now()
			})),
		archive.New(f.store, f.archive),
		f.engine,
		WithRunIDs(ids.NewSequenceGenerator("run")),
		WithClock(testutil.NewStepClock(epoch, time.Second).Now),
	)
}

func (f *fixture) run(t *testing.T) *Report {
	t.Helper()
	rep, err := f.coord.Run(context.Background(), "manual")
	require.NoError(t, err)
	return rep
}

// contents returns target as key -> status.
func (f *fixture) contents(t *testing.T) map[string]string {
	t.Helper()
	recs, err := f.store.TargetRecords(context.Background(), target)
	require.NoError(t, err)
	out := make(map[string]string, len(recs))
	for k, r := range recs {
		out[k] = r.Fields["status"]
	}
	return out
}

func stepNames(r *Report) []string {
	names := []string{}
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	return names
}
