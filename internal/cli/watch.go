package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/trackmerge/internal/pipeline"
	"github.com/roach88/trackmerge/internal/trigger"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the pipeline whenever batch files arrive",
		Long: `Watch the source directory and run the pipeline when new batch files
arrive and the directory has been quiet for the debounce period. A run is
also started immediately, and on a fixed schedule when a poll interval is
set. A failed run is reported and retried by the next trigger.

Examples:
  trackmerge watch --config trackmerge.yaml
  trackmerge watch -c trackmerge.yaml --debounce 10s --poll 15m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().Duration("debounce", trigger.DefaultDebounce, "quiet period after arrivals before a run")
	cmd.Flags().Duration("poll", 0, "also run on this interval (0 disables)")
	return cmd
}

func runWatch(opts *PipelineOptions, cmd *cobra.Command) error {
	cfg, err := opts.resolve(cmd, false)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("debounce") {
		cfg.Watch.Debounce.Duration, _ = cmd.Flags().GetDuration("debounce")
	}
	if cmd.Flags().Changed("poll") {
		cfg.Watch.PollInterval.Duration, _ = cmd.Flags().GetDuration("poll")
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	deps, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeps(deps, logger)

	var sig trigger.Signal = trigger.NewDirWatcher(cfg.SourceDir,
		trigger.WithDebounce(cfg.Watch.Debounce.Duration),
		trigger.WithLogger(logger))
	if poll := cfg.Watch.PollInterval.Duration; poll > 0 {
		sig = trigger.Any(sig, trigger.Ticker{Interval: poll})
	}

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	logger.Info("watching", "target", cfg.Target, "dir", cfg.SourceDir, "debounce", cfg.Watch.Debounce.Duration)
	failed, err := deps.coord.Serve(ctx, sig, func(rep *pipeline.Report, err error) {
		if err != nil {
			_ = out.Error(err, rep)
			return
		}
		_ = out.Success(rep)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "watch stopped", err)
	}
	logger.Info("watch stopped", "failed_runs", failed)
	if failed > 0 && opts.Format == "text" {
		fmt.Fprintf(cmd.OutOrStdout(), "%d run(s) failed while watching\n", failed)
	}
	return nil
}
