package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/trackmerge/internal/store"
)

// ShowRow is one target row in command output.
type ShowRow struct {
	TrackingNum string            `json:"tracking_num"`
	Fields      map[string]string `json:"fields"`
	SnapshotID  string            `json:"snapshot_id"`
	MergedAt    time.Time         `json:"merged_at"`
}

// ShowFile is one ledger entry of the current snapshot.
type ShowFile struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	ArchivedPath string `json:"archived_path,omitempty"`
}

// ShowSnapshot describes the target's current staged snapshot.
type ShowSnapshot struct {
	ID      string     `json:"id"`
	Records int        `json:"records"`
	Merged  bool       `json:"merged"`
	Files   []ShowFile `json:"files"`
}

// ShowResult is the output of the show command.
type ShowResult struct {
	Target   string        `json:"target"`
	Exists   bool          `json:"exists"`
	Total    int           `json:"total"`
	Rows     []ShowRow     `json:"rows"`
	Snapshot *ShowSnapshot `json:"snapshot,omitempty"`
}

// WriteText renders the rows as an aligned table, followed by the current
// snapshot and its files.
func (r ShowResult) WriteText(w io.Writer) error {
	if !r.Exists {
		if _, err := fmt.Fprintf(w, "Target %s has not been created yet.\n", r.Target); err != nil {
			return err
		}
		return r.writeSnapshot(w)
	}

	var columns []string
	for _, row := range r.Rows {
		for k := range row.Fields {
			if !slices.Contains(columns, k) {
				columns = append(columns, k)
			}
		}
	}
	slices.Sort(columns)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "TRACKING_NUM")
	for _, c := range columns {
		fmt.Fprintf(tw, "\t%s", c)
	}
	fmt.Fprint(tw, "\tSNAPSHOT\n")
	for _, row := range r.Rows {
		fmt.Fprint(tw, row.TrackingNum)
		for _, c := range columns {
			fmt.Fprintf(tw, "\t%s", row.Fields[c])
		}
		fmt.Fprintf(tw, "\t%s\n", row.SnapshotID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.Rows) < r.Total {
		if _, err := fmt.Fprintf(w, "(%d of %d rows)\n", len(r.Rows), r.Total); err != nil {
			return err
		}
	}
	return r.writeSnapshot(w)
}

func (r ShowResult) writeSnapshot(w io.Writer) error {
	s := r.Snapshot
	if s == nil {
		return nil
	}
	state := "not merged"
	if s.Merged {
		state = "merged"
	}
	fmt.Fprintf(w, "\nSnapshot %s: %d records, %s\n", s.ID, s.Records, state)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range s.Files {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Name, f.State, f.ArchivedPath)
	}
	return tw.Flush()
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}
	var limit int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the contents of the target table",
		Long: `Print the target table ordered by tracking number.

Examples:
  trackmerge show -c trackmerge.yaml
  trackmerge show --target orders --db ./tm.db --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, limit, cmd)
		},
	}
	opts.addStoreFlags(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many rows (0 = all)")
	return cmd
}

func runShow(opts *PipelineOptions, limit int, cmd *cobra.Command) error {
	cfg, err := opts.resolve(cmd, true)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := loadShow(context.Background(), st, cfg.Target, limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read target", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(res)
}

func loadShow(ctx context.Context, st *store.Store, target string, limit int) (ShowResult, error) {
	res := ShowResult{Target: target, Rows: []ShowRow{}}

	snap, err := st.CurrentSnapshot(ctx, target)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return res, err
	default:
		files, err := st.SnapshotFiles(ctx, snap.ID)
		if err != nil {
			return res, err
		}
		res.Snapshot = &ShowSnapshot{ID: snap.ID, Records: snap.RecordCount, Merged: snap.Merged(), Files: []ShowFile{}}
		for _, f := range files {
			res.Snapshot.Files = append(res.Snapshot.Files, ShowFile{
				Name:         f.Name,
				State:        string(f.State),
				ArchivedPath: f.ArchivedPath,
			})
		}
	}

	exists, err := st.TargetExists(ctx, target)
	if err != nil || !exists {
		return res, err
	}
	res.Exists = true

	rows, err := st.TargetRows(ctx, target)
	if err != nil {
		return res, err
	}
	res.Total = len(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for _, r := range rows {
		res.Rows = append(res.Rows, ShowRow{
			TrackingNum: r.Record.TrackingNum,
			Fields:      r.Record.Fields,
			SnapshotID:  r.SnapshotID,
			MergedAt:    r.MergedAt,
		})
	}
	return res, nil
}
