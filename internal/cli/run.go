package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/trackmerge/internal/pipeline"
	"github.com/roach88/trackmerge/internal/trigger"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Stage every new batch file in the source directory, archive the staged
files and merge the snapshot into the target table.

Exit codes:
  0 - Run reached Done
  1 - Run ended Failed (see the report for the step and cause)
  2 - Command error (bad config, database not found, etc.)

Examples:
  trackmerge run --config trackmerge.yaml
  trackmerge run --target orders --source ./incoming --archive ./archive --db ./tm.db
  trackmerge run -c trackmerge.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, cmd)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func runOnce(opts *PipelineOptions, cmd *cobra.Command) error {
	cfg, err := opts.resolve(cmd, false)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	deps, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeps(deps, logger)

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	var runErr error
	_, err = deps.coord.Serve(ctx, trigger.Once{}, func(rep *pipeline.Report, err error) {
		if err != nil {
			_ = out.Error(err, rep)
			runErr = reportError(rep, err)
			return
		}
		_ = out.Success(rep)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "failed to start run", err)
	}
	return runErr
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func closeDeps(deps *pipelineDeps, logger *slog.Logger) {
	if err := deps.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}
