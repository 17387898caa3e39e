package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/trackmerge/internal/archive"
	"github.com/roach88/trackmerge/internal/config"
	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/pipeline"
	"github.com/roach88/trackmerge/internal/record"
	"github.com/roach88/trackmerge/internal/source"
	"github.com/roach88/trackmerge/internal/staging"
	"github.com/roach88/trackmerge/internal/store"
)

// PipelineOptions holds the flags that override config file values.
type PipelineOptions struct {
	*RootOptions
	Target     string
	SourceDir  string
	ArchiveDir string
	Database   string
	Workers    int
	LeaseTTL   time.Duration
	Columns    []string
	SchemaFile string
}

func (o *PipelineOptions) addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.Target, "target", "", "target table name")
	f.StringVar(&o.Database, "db", "", "path to SQLite database")
}

func (o *PipelineOptions) addFlags(cmd *cobra.Command) {
	o.addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&o.SourceDir, "source", "", "directory raw batch files arrive in")
	f.StringVar(&o.ArchiveDir, "archive", "", "directory consumed batch files move to")
	f.IntVar(&o.Workers, "workers", archive.DefaultWorkers, "parallel file relocations")
	f.DurationVar(&o.LeaseTTL, "lease-ttl", merge.DefaultLeaseTTL, "age after which a merge lease may be taken over")
	f.StringSliceVar(&o.Columns, "columns", nil, "declared batch columns (default: first file's header)")
	f.StringVar(&o.SchemaFile, "schema", "", "CUE file with #Record row constraints")
}

// resolve loads the config file, if any, and applies flags the user set.
// storeOnly skips validation of settings only a pipeline run needs.
func (o *PipelineOptions) resolve(cmd *cobra.Command, storeOnly bool) (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.Target = o.Target
	}
	if flags.Changed("source") {
		cfg.SourceDir = o.SourceDir
	}
	if flags.Changed("archive") {
		cfg.ArchiveDir = o.ArchiveDir
	}
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("workers") {
		cfg.ArchiveWorkers = o.Workers
	}
	if flags.Changed("lease-ttl") {
		cfg.LeaseTTL = config.Duration{Duration: o.LeaseTTL}
	}
	if flags.Changed("columns") {
		cfg.Columns = o.Columns
	}
	if flags.Changed("schema") {
		cfg.SchemaFile = o.SchemaFile
	}

	validate := cfg.Validate
	if storeOnly {
		validate = cfg.ValidateStore
	}
	if err := validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// pipelineDeps is everything a command needs to run the pipeline.
type pipelineDeps struct {
	store *store.Store
	coord *pipeline.Coordinator
}

func (d *pipelineDeps) Close() error {
	return d.store.Close()
}

// buildPipeline opens the store and wires the pipeline described by cfg.
func buildPipeline(cfg config.Config, logger *slog.Logger) (*pipelineDeps, error) {
	var stageOpts []staging.Option
	if len(cfg.Columns) > 0 {
		schema, err := record.NewSchema(cfg.Columns)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid columns", err)
		}
		stageOpts = append(stageOpts, staging.WithSchema(schema))
	}
	if cfg.SchemaFile != "" {
		constraint, err := source.LoadConstraint(cfg.SchemaFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load schema file", err)
		}
		stageOpts = append(stageOpts, staging.WithConstraint(constraint))
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	engine := merge.New(st,
		merge.WithLeaseTTL(cfg.LeaseTTL.Duration),
		merge.WithLogger(logger))
	coord := pipeline.New(st, cfg.Target,
		staging.New(st, cfg.SourceDir, append(stageOpts, staging.WithLogger(logger))...),
		archive.New(st, cfg.ArchiveDir,
			archive.WithWorkers(cfg.ArchiveWorkers),
			archive.WithLogger(logger)),
		engine,
		pipeline.WithLogger(logger),
	)

	logger.Debug("pipeline ready",
		"target", cfg.Target, "source", cfg.SourceDir, "archive", cfg.ArchiveDir,
		"db", cfg.Database, "workers", cfg.ArchiveWorkers, "lease_ttl", cfg.LeaseTTL.Duration)
	return &pipelineDeps{store: st, coord: coord}, nil
}

// openStore opens the database for read-side commands.
func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// reportError maps a failed run to its exit error.
func reportError(rep *pipeline.Report, err error) error {
	return WrapExitError(ExitFailure, fmt.Sprintf("run %s failed at %s", rep.RunID, rep.FailedStep), err)
}
