package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/trackmerge/internal/store"
)

// UnlockResult is the output of the unlock command.
type UnlockResult struct {
	Target string `json:"target"`
	Broken bool   `json:"broken"`
	Holder string `json:"holder,omitempty"`
}

func (r UnlockResult) String() string {
	if !r.Broken {
		return fmt.Sprintf("No lease held on %s.", r.Target)
	}
	return fmt.Sprintf("Broke lease on %s held by %s.", r.Target, r.Holder)
}

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Break the merge lease on a target",
		Long: `Remove the durable merge lease on the target. Use this after a crashed
process left a lease behind and you cannot wait for it to expire.
Breaking the lease of a live run allows a second run to interleave with it.

Examples:
  trackmerge unlock -c trackmerge.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnlock(opts, cmd)
		},
	}
	opts.addStoreFlags(cmd)
	return cmd
}

func runUnlock(opts *PipelineOptions, cmd *cobra.Command) error {
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
	res := UnlockResult{Target: cfg.Target}
	lease, err := st.CurrentLease(ctx, cfg.Target)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to read lease", err)
	default:
		res.Holder = lease.Holder
	}

	res.Broken, err = st.BreakLease(ctx, cfg.Target)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to break lease", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(res)
}
