// Package config loads trackmerge configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/trackmerge/internal/archive"
	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/trigger"
)

// Config describes one target pipeline.
type Config struct {
	// Target names the destination table.
	Target string `yaml:"target"`

	// SourceDir is where raw batch files arrive.
	SourceDir string `yaml:"source_dir"`

	// ArchiveDir receives consumed batch files, one subdirectory per snapshot.
	ArchiveDir string `yaml:"archive_dir"`

	// Database is the SQLite file holding staging, target and run reports.
	Database string `yaml:"database"`

	ArchiveWorkers int      `yaml:"archive_workers"`
	LeaseTTL       Duration `yaml:"lease_ttl"`

	// Columns optionally declares the batch schema up front. When empty the
	// first batch file of each run fixes it.
	Columns []string `yaml:"columns,omitempty"`

	// SchemaFile is an optional CUE file defining #Record row constraints.
	SchemaFile string `yaml:"schema_file,omitempty"`

	Watch Watch `yaml:"watch"`
}

// Watch configures the long-running trigger.
type Watch struct {
	// Debounce is the quiet period after file arrivals before a run.
	Debounce Duration `yaml:"debounce"`

	// PollInterval, when set, also runs on a fixed schedule. Useful where
	// filesystem notifications are unreliable (network mounts).
	PollInterval Duration `yaml:"poll_interval"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns a Config with every optional field set.
func Default() Config {
	return Config{
		ArchiveWorkers: archive.DefaultWorkers,
		LeaseTTL:       Duration{merge.DefaultLeaseTTL},
		Watch: Watch{
			Debounce: Duration{trigger.DefaultDebounce},
		},
	}
}

// Load reads path over Default(). Unknown keys are rejected. Relative paths
// in the file are resolved against the file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.SourceDir, &cfg.ArchiveDir, &cfg.Database, &cfg.SchemaFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return cfg, nil
}

var targetName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Validate reports every problem with c.
func (c Config) Validate() error {
	errs := c.storeProblems()
	if c.SourceDir == "" {
		errs = append(errs, errors.New("source_dir is required"))
	}
	if c.ArchiveDir == "" {
		errs = append(errs, errors.New("archive_dir is required"))
	}
	if c.SourceDir != "" && filepath.Clean(c.SourceDir) == filepath.Clean(c.ArchiveDir) {
		errs = append(errs, errors.New("archive_dir must differ from source_dir"))
	}
	if c.ArchiveWorkers < 1 {
		errs = append(errs, fmt.Errorf("archive_workers must be at least 1, got %d", c.ArchiveWorkers))
	}
	if c.LeaseTTL.Duration < 0 {
		errs = append(errs, fmt.Errorf("lease_ttl must not be negative, got %s", c.LeaseTTL))
	}
	if c.Watch.Debounce.Duration <= 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce))
	}
	if c.Watch.PollInterval.Duration < 0 {
		errs = append(errs, fmt.Errorf("watch.poll_interval must not be negative, got %s", c.Watch.PollInterval))
	}
	return errors.Join(errs...)
}

// ValidateStore checks only what commands reading the database need.
func (c Config) ValidateStore() error {
	return errors.Join(c.storeProblems()...)
}

func (c Config) storeProblems() []error {
	var errs []error
	if c.Target == "" {
		errs = append(errs, errors.New("target is required"))
	} else if !targetName.MatchString(c.Target) {
		errs = append(errs, fmt.Errorf("target %q: must start with a letter or underscore and contain only letters, digits, '_', '.' or '-'", c.Target))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	return errs
}
