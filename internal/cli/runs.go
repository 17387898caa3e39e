package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/trackmerge/internal/pipeline"
	"github.com/roach88/trackmerge/internal/store"
)

// RunsResult lists persisted run reports, newest first.
type RunsResult struct {
	Target string             `json:"target"`
	Runs   []*pipeline.Report `json:"runs"`
}

// WriteText renders one line per run.
func (r RunsResult) WriteText(w io.Writer) error {
	if len(r.Runs) == 0 {
		_, err := fmt.Fprintf(w, "No runs recorded for %s.\n", r.Target)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTRIGGER\tSTATE\tSTARTED\tFAILED STEP\tCODE")
	for _, rep := range r.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rep.RunID, rep.Trigger, rep.State, rep.StartedAt.Format("2006-01-02 15:04:05"),
			dash(rep.FailedStep), dash(rep.Code))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List run reports, or show one",
		Long: `List the persisted reports of past runs for the target, newest first.
With a run id, print that run's full report.

Examples:
  trackmerge runs -c trackmerge.yaml
  trackmerge runs -c trackmerge.yaml 0192f1c3-7f3e-7a41-9a8e-3f7c5d2b9e10`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, limit, args, cmd)
		},
	}
	opts.addStoreFlags(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "list at most this many runs (0 = all)")
	return cmd
}

func runRuns(opts *PipelineOptions, limit int, args []string, cmd *cobra.Command) error {
	cfg, err := opts.resolve(cmd, true)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	if len(args) == 1 {
		stored, err := st.GetReport(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", args[0]))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}
		rep, err := pipeline.DecodeReport(stored.Body)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}
		return out.Success(rep)
	}

	stored, err := st.ListReports(ctx, cfg.Target, limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	res := RunsResult{Target: cfg.Target, Runs: make([]*pipeline.Report, 0, len(stored))}
	for _, s := range stored {
		rep, err := pipeline.DecodeReport(s.Body)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read run "+s.RunID, err)
		}
		res.Runs = append(res.Runs, rep)
	}
	return out.Success(res)
}
