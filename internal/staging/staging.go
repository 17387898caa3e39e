// Package staging reads a source location into the target's staging snapshot.
//
// Each ingestion builds a complete new snapshot and swaps it in with one
// store transaction. The previous snapshot is replaced, never appended to.
//
// The batch file ledger is keyed by file name and content digest. A file
// whose name and content are already in the ledger is skipped, so it is
// never processed into staging twice even when its archival failed; if it
// was already archived it is queued for archival again so the source copy
// is cleared. A known name with new content is a new batch.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/trackmerge/internal/ids"
	"github.com/roach88/trackmerge/internal/record"
	"github.com/roach88/trackmerge/internal/runerr"
	"github.com/roach88/trackmerge/internal/source"
	"github.com/roach88/trackmerge/internal/store"
)

// Ingestor is the StagingIngestor.
type Ingestor struct {
	store      *store.Store
	sourceDir  string
	declared   record.Schema
	constraint *source.Constraint
	snapshots  ids.Generator
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithSchema declares the expected column set. Without it the schema is
// inferred from the first file of each run.
func WithSchema(s record.Schema) Option {
	return func(in *Ingestor) { in.declared = s }
}

// WithConstraint validates every row against a CUE definition.
func WithConstraint(c *source.Constraint) Option {
	return func(in *Ingestor) { in.constraint = c }
}

// WithSnapshotIDs sets the snapshot id generator (default UUIDv7).
func WithSnapshotIDs(g ids.Generator) Option {
	return func(in *Ingestor) { in.snapshots = g }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(in *Ingestor) { in.logger = l }
}

// New creates an Ingestor reading from sourceDir.
func New(st *store.Store, sourceDir string, opts ...Option) *Ingestor {
	in := &Ingestor{
		store:     st,
		sourceDir: sourceDir,
		snapshots: ids.UUIDv7Generator{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Result describes one ingestion.
type Result struct {
	SnapshotID string
	Records    int
	Files      []string
	Skipped    []string
	// Requeued lists skipped files that were already archived and were
	// delivered again with the same content.
	Requeued []string
	Schema   record.Schema
}

// Ingest reads every new batch file for target and stages it as the
// current snapshot.
//
// Any parse failure, schema mismatch between files, empty key or
// constraint violation aborts the run with a SCHEMA_ERROR before anything
// is written: the previous snapshot stays current.
func (in *Ingestor) Ingest(ctx context.Context, target, runID string) (*Result, error) {
	files, err := source.List(in.sourceDir)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	known, err := in.store.KnownFiles(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	res := &Result{Schema: in.declared, Files: []string{}, Skipped: []string{}, Requeued: []string{}}
	var (
		recs    []record.Record
		ledger  store.Ledger
		ordinal int64
	)
	for _, f := range files {
		raw, err := source.Load(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("ingest: %w", err)
		}
		if prev, seen := known[store.FileKey{Name: f.Name, Digest: raw.Digest}]; seen {
			in.logger.Debug("skipping known batch file",
				"target", target, "file", f.Name, "state", prev.State, "snapshot", prev.SnapshotID)
			res.Skipped = append(res.Skipped, f.Name)
			if prev.State != store.FileStaged {
				prev.SourcePath = f.Path
				ledger.Requeued = append(ledger.Requeued, prev)
				res.Requeued = append(res.Requeued, f.Name)
			}
			continue
		}

		batch, err := source.Parse(raw)
		if err != nil {
			return nil, runerr.Schema(f.Name, "cannot parse batch file", err)
		}

		if res.Schema.IsZero() {
			res.Schema = batch.Schema
		} else if !res.Schema.Compatible(batch.Schema) {
			return nil, runerr.Schema(f.Name, "schema differs from run schema",
				fmt.Errorf("%s", res.Schema.Diff(batch.Schema)))
		}

		fileRecs, err := in.toRecords(batch, ordinal)
		if err != nil {
			return nil, err
		}
		ordinal += int64(len(batch.Rows))
		recs = append(recs, fileRecs...)

		added := store.BatchFile{
			Name:        f.Name,
			SourcePath:  f.Path,
			Digest:      batch.Digest,
			RecordCount: len(fileRecs),
		}
		ledger.Added = append(ledger.Added, added)
		ledger.Superseded = append(ledger.Superseded, overwritten(known, added)...)
		res.Files = append(res.Files, f.Name)
	}

	res.SnapshotID = in.snapshots.Generate()
	res.Records = len(recs)

	snap := store.Snapshot{
		ID:        res.SnapshotID,
		Target:    target,
		RunID:     runID,
		Columns:   res.Schema.Sorted(),
		CreatedAt: in.now(),
	}
	if err := in.store.ReplaceSnapshot(ctx, snap, recs, ledger); err != nil {
		return nil, fmt.Errorf("ingest: stage snapshot: %w", err)
	}

	in.logger.Info("snapshot staged",
		"target", target, "snapshot", res.SnapshotID,
		"files", len(res.Files), "skipped", len(res.Skipped), "requeued", len(res.Requeued),
		"superseded", len(ledger.Superseded), "records", res.Records)
	return res, nil
}

// overwritten returns the staged entries whose source path added now
// occupies with different content. Their bytes exist nowhere else, so they
// can no longer be archived.
func overwritten(known map[store.FileKey]store.BatchFile, added store.BatchFile) []store.FileKey {
	var keys []store.FileKey
	for key, prev := range known {
		if prev.State == store.FileStaged && prev.SourcePath == added.SourcePath && key != added.Key() {
			keys = append(keys, key)
		}
	}
	return keys
}

func (in *Ingestor) toRecords(batch *source.Batch, first int64) ([]record.Record, error) {
	recs := make([]record.Record, 0, len(batch.Rows))
	for i, row := range batch.Rows {
		if in.constraint != nil {
			if err := in.constraint.Validate(row); err != nil {
				return nil, runerr.Schema(batch.File.Name, fmt.Sprintf("row %d rejected", i+1), err)
			}
		}
		r, err := record.New(row, first+int64(i))
		if err != nil {
			return nil, runerr.Schema(batch.File.Name, fmt.Sprintf("row %d", i+1), err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}
