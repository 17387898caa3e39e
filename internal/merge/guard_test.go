package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/store"
)

func TestGuard_InProcessConflictFailsFast(t *testing.T) {
	st := openStore(t)
	g := NewGuard(st, time.Minute, nil, nil)
	ctx := context.Background()

	release, err := g.Acquire(ctx, "run", target, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", g.Holder(target))

	_, err = g.Acquire(ctx, "merge", target, "run-2")
	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))
	assert.Contains(t, err.Error(), "run-1")

	release()
	release() // second call is a no-op
	assert.Empty(t, g.Holder(target))

	release2, err := g.Acquire(ctx, "merge", target, "run-2")
	require.NoError(t, err)
	release2()
}

func TestGuard_DurableLeaseConflict(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// another process holds the lease
	ok, _, err := st.AcquireLease(ctx, target, "other-proc", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	g := NewGuard(st, time.Minute, func() time.Time { return now.Add(time.Second) }, nil)
	_, err = g.Acquire(ctx, "merge", target, "run-1")
	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))
	assert.Empty(t, g.Holder(target), "in-process claim dropped on lease conflict")

	// after the TTL the lease is abandoned and can be taken over
	g = NewGuard(st, time.Minute, func() time.Time { return now.Add(2 * time.Minute) }, nil)
	release, err := g.Acquire(ctx, "merge", target, "run-1")
	require.NoError(t, err)
	release()

	_, err = st.CurrentLease(ctx, target)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGuard_RefreshKeepsLeaseAlive(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	g := NewGuard(st, 10*time.Minute, clock, nil)
	release, err := g.Acquire(ctx, "run", target, "run-1")
	require.NoError(t, err)
	defer release()

	now = start.Add(8 * time.Minute)
	require.NoError(t, g.Refresh(ctx, "archive", target, "run-1"))

	// 16m after Acquire but only 8m after Refresh: still held
	other := NewGuard(st, 10*time.Minute, func() time.Time { return start.Add(16 * time.Minute) }, nil)
	_, err = other.Acquire(ctx, "run", target, "run-2")
	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))

	lease, err := st.CurrentLease(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "run-1", lease.Holder)
	assert.True(t, lease.AcquiredAt.Equal(start.Add(8*time.Minute)))
}

func TestGuard_RefreshAfterTakeover(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	g := NewGuard(st, 10*time.Minute, func() time.Time { return start }, nil)
	release, err := g.Acquire(ctx, "run", target, "run-1")
	require.NoError(t, err)
	defer release()

	// run-1 stalled past the TTL and another process took over
	ok, _, err := st.AcquireLease(ctx, target, "other-proc", start.Add(11*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = g.Refresh(ctx, "merge", target, "run-1")
	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))
	assert.Contains(t, err.Error(), "other-proc")

	lease, err := st.CurrentLease(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "other-proc", lease.Holder, "refresh never steals a live lease back")
}

func TestGuard_RefreshRequiresInProcessClaim(t *testing.T) {
	st := openStore(t)
	g := NewGuard(st, time.Minute, nil, nil)

	err := g.Refresh(context.Background(), "merge", target, "run-1")
	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))
}

func TestGuard_TargetsAreIndependent(t *testing.T) {
	st := openStore(t)
	g := NewGuard(st, time.Minute, nil, nil)
	ctx := context.Background()

	r1, err := g.Acquire(ctx, "run", "orders", "run-1")
	require.NoError(t, err)
	defer r1()
	r2, err := g.Acquire(ctx, "run", "returns", "run-2")
	require.NoError(t, err)
	defer r2()
}

func TestMerge_ConflictWhileHeld(t *testing.T) {
	st := openStore(t)
	e := newEngine(st)
	ctx := context.Background()
	stage(t, st, pair{"A", "a"})

	release, err := e.Guard().Acquire(ctx, "run", target, "run-1")
	require.NoError(t, err)
	defer release()

	_, err = e.Merge(ctx, target, "run-2")
	require.Error(t, err)
	assert.True(t, runerr.IsConcurrencyConflict(err))

	exists, err := st.TargetExists(ctx, target)
	require.NoError(t, err)
	assert.False(t, exists)
}
