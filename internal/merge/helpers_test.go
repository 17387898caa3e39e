package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/trackmerge/internal/record"
	"github.com/roach88/trackmerge/internal/store"
	"github.com/roach88/trackmerge/internal/testutil"
)

const target = "orders"

var snapSeq atomic.Int64

func openStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newEngine(st *store.Store, opts ...Option) *Engine {
	clock := testutil.NewStepClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Second)
	return New(st, append([]Option{WithClock(clock.Now)}, opts...)...)
}

// tester is satisfied by both *testing.T and *rapid.T.
type tester interface {
	require.TestingT
	Helper()
}

// pair is a (tracking_num, status) test row.
type pair struct{ key, status string }

// stage writes pairs as the current snapshot of target, in order.
func stage(t tester, st *store.Store, pairs ...pair) *store.Snapshot {
	t.Helper()
	recs := make([]record.Record, len(pairs))
	for i, p := range pairs {
		recs[i] = record.Record{
			TrackingNum: p.key,
			Fields:      map[string]string{"status": p.status},
			Ordinal:     int64(i),
		}
	}
	id := fmt.Sprintf("snap-%d", snapSeq.Add(1))
	snap := store.Snapshot{
		ID:        id,
		Target:    target,
		RunID:     "run-" + id,
		Columns:   []string{"status", "tracking_num"},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.ReplaceSnapshot(context.Background(), snap, recs, store.Ledger{}))

	cur, err := st.CurrentSnapshot(context.Background(), target)
	require.NoError(t, err)
	return cur
}

// contents returns target as key -> status.
func contents(t tester, st *store.Store) map[string]string {
	t.Helper()
	recs, err := st.TargetRecords(context.Background(), target)
	require.NoError(t, err)
	out := make(map[string]string, len(recs))
	for k, r := range recs {
		out[k] = r.Fields["status"]
	}
	return out
}
