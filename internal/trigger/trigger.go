// Package trigger produces the signals that start pipeline runs.
//
// A Signal delivers Events on a channel until its context is cancelled or
// it has nothing more to say, then closes the channel. Channels are
// buffered by one and sends never block: an event that arrives while one
// is already pending is folded into it, so a slow run sees one follow-up
// run rather than a backlog.
package trigger

import (
	"context"
	"sync"
	"time"
)

// Event kinds. The kind is recorded as the run's trigger.
const (
	KindManual = "manual"
	KindTick   = "tick"
	KindWatch  = "watch"
)

// Event asks for one run.
type Event struct {
	Kind string
	At   time.Time

	// Paths lists the batch files that caused a watch event, if known.
	Paths []string
}

// Signal is a source of run requests.
type Signal interface {
	Signals(ctx context.Context) (<-chan Event, error)
}

// offer sends ev unless an event is already pending.
func offer(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Once fires a single manual event.
type Once struct {
	Now func() time.Time
}

// Signals implements Signal.
func (o Once) Signals(ctx context.Context) (<-chan Event, error) {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	ch := make(chan Event, 1)
	ch <- Event{Kind: KindManual, At: now()}
	close(ch)
	return ch, nil
}

// Ticker fires on a fixed interval, plus once immediately.
type Ticker struct {
	Interval time.Duration
}

// Signals implements Signal.
func (tk Ticker) Signals(ctx context.Context) (<-chan Event, error) {
	if tk.Interval <= 0 {
		return nil, errInterval(tk.Interval)
	}
	ch := make(chan Event, 1)
	ch <- Event{Kind: KindTick, At: time.Now()}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(tk.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C:
				offer(ch, Event{Kind: KindTick, At: at})
			}
		}
	}()
	return ch, nil
}

// Any fans several signals into one. The combined channel closes when all
// of them have closed.
func Any(signals ...Signal) Signal {
	return anySignal(signals)
}

type anySignal []Signal

// Signals implements Signal.
func (a anySignal) Signals(ctx context.Context) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	inputs := make([]<-chan Event, 0, len(a))
	for _, sig := range a {
		ch, err := sig.Signals(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		inputs = append(inputs, ch)
	}

	out := make(chan Event, 1)
	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range in {
				offer(out, ev)
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

type errInterval time.Duration

func (e errInterval) Error() string {
	return "trigger: interval must be positive, got " + time.Duration(e).String()
}
