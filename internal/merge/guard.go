package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/store"
)

// DefaultLeaseTTL is how long a durable lease is honoured before another
// process may take it over. Holders renew it with Refresh, so it bounds the
// length of one step rather than of a whole run.
const DefaultLeaseTTL = 15 * time.Minute

// Guard grants exclusive access to a target.
//
// Thread-safety: Guard is safe for concurrent use.
type Guard struct {
	store  *store.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]string // target -> holder
}

// NewGuard creates a Guard backed by st's lease table.
// ttl <= 0 disables lease expiry.
func NewGuard(st *store.Store, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Guard {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  st,
		ttl:    ttl,
		now:    now,
		logger: logger,
		held:   make(map[string]string),
	}
}

// Acquire claims target for holder or fails fast with CONCURRENCY_CONFLICT.
// step names the pipeline step for the error. The returned release func
// must be called exactly once.
func (g *Guard) Acquire(ctx context.Context, step, target, holder string) (func(), error) {
	g.mu.Lock()
	if other, busy := g.held[target]; busy {
		g.mu.Unlock()
		return nil, runerr.ConcurrencyConflict(step, target, other)
	}
	g.held[target] = holder
	g.mu.Unlock()

	ok, lease, err := g.store.AcquireLease(ctx, target, holder, g.now(), g.ttl)
	if err != nil || !ok {
		g.forget(target)
		if err != nil {
			return nil, fmt.Errorf("acquire lease on %s: %w", target, err)
		}
		return nil, runerr.ConcurrencyConflict(step, target, lease.Holder)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the lease must be released even if the run was cancelled
			if err := g.store.ReleaseLease(context.WithoutCancel(ctx), target, holder); err != nil {
				g.logger.Error("release lease failed", "target", target, "holder", holder, "error", err)
			}
			g.forget(target)
		})
	}, nil
}

// Refresh renews holder's durable lease on target. It fails with
// CONCURRENCY_CONFLICT when holder no longer holds target: the lease
// expired and another process took it over.
func (g *Guard) Refresh(ctx context.Context, step, target, holder string) error {
	if current := g.Holder(target); current != holder {
		return runerr.ConcurrencyConflict(step, target, current)
	}
	ok, lease, err := g.store.AcquireLease(ctx, target, holder, g.now(), g.ttl)
	if err != nil {
		return fmt.Errorf("refresh lease on %s: %w", target, err)
	}
	if !ok {
		g.logger.Warn("lease taken over", "target", target, "holder", holder, "by", lease.Holder)
		return runerr.ConcurrencyConflict(step, target, lease.Holder)
	}
	return nil
}

// Holder returns the in-process holder of target, or "".
func (g *Guard) Holder(target string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[target]
}

func (g *Guard) forget(target string) {
	g.mu.Lock()
	delete(g.held, target)
	g.mu.Unlock()
}
