package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnce(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ch, err := Once{Now: func() time.Time { return at }}.Signals(context.Background())
	require.NoError(t, err)

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, KindManual, got[0].Kind)
	assert.Equal(t, at, got[0].At)
}

func TestTicker_FiresImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := Ticker{Interval: 10 * time.Millisecond}.Signals(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	assert.Equal(t, KindTick, first.Kind)
	second := receive(t, ch)
	assert.Equal(t, KindTick, second.Kind)

	cancel()
	assertClosed(t, ch)
}

func TestTicker_RejectsNonPositiveInterval(t *testing.T) {
	_, err := Ticker{}.Signals(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval must be positive")
}

func TestOffer_FoldsWhenPending(t *testing.T) {
	ch := make(chan Event, 1)
	assert.True(t, offer(ch, Event{Kind: KindTick}))
	assert.False(t, offer(ch, Event{Kind: KindTick}))
	assert.Len(t, ch, 1)
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestAny_ClosesWhenAllInputsClose(t *testing.T) {
	ch, err := Any(Once{}, Once{}).Signals(context.Background())
	require.NoError(t, err)

	// both events may fold into one; at least one arrives
	ev := receive(t, ch)
	assert.Equal(t, KindManual, ev.Kind)
	assertClosed(t, ch)
}

func TestAny_PropagatesSetupError(t *testing.T) {
	_, err := Any(Once{}, Ticker{}).Signals(context.Background())
	require.Error(t, err)
}
