package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/trackmerge/internal/merge"
	"github.com/roach88/trackmerge/internal/pipeline"
	"github.com/roach88/trackmerge/internal/record"
)

// Scenario is one end-to-end pipeline test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Target is the target table name. Defaults to "orders".
	Target string `yaml:"target,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is exactly one of Drop or Run.
type Step struct {
	Drop *Drop    `yaml:"drop,omitempty"`
	Run  *RunStep `yaml:"run,omitempty"`
}

// Drop writes a CSV batch file into the source directory.
type Drop struct {
	Name string `yaml:"name"`

	// Header defaults to [tracking_num, status].
	Header []string   `yaml:"header,omitempty"`
	Rows   [][]string `yaml:"rows"`
}

// RunStep triggers one pipeline run.
type RunStep struct {
	// FailAfter injects a merge failure after the named phase
	// (bootstrap, delete or insert).
	FailAfter string `yaml:"fail_after,omitempty"`

	// Expect, if set, is checked against the run's report.
	Expect *RunExpect `yaml:"expect,omitempty"`
}

// RunExpect is a subset match on a run report.
type RunExpect struct {
	State      string `yaml:"state"`
	FailedStep string `yaml:"failed_step,omitempty"`
	Code       string `yaml:"code,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Rows is the expected target content for "target".
	Rows map[string]map[string]string `yaml:"rows,omitempty"`

	// Files are the names for "archived" and "source_contains".
	Files []string `yaml:"files,omitempty"`

	// State and Count are used by "run_count".
	State string `yaml:"state,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTarget         = "target"
	AssertTargetAbsent   = "target_absent"
	AssertSourceEmpty    = "source_empty"
	AssertSourceContains = "source_contains"
	AssertArchived       = "archived"
	AssertRunCount       = "run_count"
)

var defaultHeader = []string{record.KeyColumn, "status"}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and fills defaults.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Target == "" {
		s.Target = "orders"
	}

	for i, step := range s.Steps {
		if (step.Drop == nil) == (step.Run == nil) {
			return fmt.Errorf("step %d: exactly one of drop or run is required", i+1)
		}
		if d := step.Drop; d != nil {
			if d.Name == "" {
				return fmt.Errorf("step %d: drop.name is required", i+1)
			}
			if len(d.Header) == 0 {
				d.Header = defaultHeader
			}
		}
		if r := step.Run; r != nil {
			switch merge.Phase(r.FailAfter) {
			case "", merge.PhaseBootstrap, merge.PhaseDelete, merge.PhaseInsert:
			default:
				return fmt.Errorf("step %d: unknown fail_after phase %q", i+1, r.FailAfter)
			}
			if r.Expect != nil && !validState(r.Expect.State) {
				return fmt.Errorf("step %d: expect.state %q is not a terminal state", i+1, r.Expect.State)
			}
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertTarget, AssertTargetAbsent, AssertSourceEmpty:
		case AssertArchived, AssertSourceContains:
			if len(a.Files) == 0 {
				return fmt.Errorf("assertion %d: %s requires files", i+1, a.Type)
			}
		case AssertRunCount:
			if !validState(a.State) {
				return fmt.Errorf("assertion %d: run_count requires a terminal state", i+1)
			}
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i+1, a.Type)
		}
	}
	return nil
}

func validState(s string) bool {
	return pipeline.State(s).Terminal()
}
