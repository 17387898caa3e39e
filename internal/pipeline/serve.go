package pipeline

import (
	"context"
	"fmt"

	"github.com/roach88/trackmerge/internal/trigger"
)

// Serve runs the pipeline once per event from sig until sig closes or ctx
// is cancelled. Runs are sequential. A failed run is logged and left for
// the next event to retry; it does not stop Serve.
//
// onReport, if set, receives every report with the run's error.
// Returns the number of runs that ended Failed, and ctx.Err() when
// cancelled.
func (c *Coordinator) Serve(ctx context.Context, sig trigger.Signal, onReport func(*Report, error)) (failed int, err error) {
	events, err := sig.Signals(ctx)
	if err != nil {
		return 0, fmt.Errorf("serve %s: %w", c.target, err)
	}

	c.logger.Info("serving", "target", c.target)
	for {
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return failed, ctx.Err()
			}
			if len(ev.Paths) > 0 {
				c.logger.Debug("run requested", "target", c.target, "trigger", ev.Kind, "files", ev.Paths)
			}
			rep, runErr := c.Run(ctx, ev.Kind)
			if runErr != nil || !rep.Succeeded() {
				failed++
			}
			if onReport != nil {
				onReport(rep, runErr)
			}
		}
	}
}
