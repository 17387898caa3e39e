package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Step names.
const (
	StepRecover = "recover"
	StepStage   = "stage"
	StepArchive = "archive"
	StepMerge   = "merge"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK       StepStatus = "ok"
	StepDegraded StepStatus = "degraded" // completed with per-file failures
	StepFailed   StepStatus = "failed"
)

// FileFailure is a per-file problem reported by a step.
type FileFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// StepReport records one executed step.
type StepReport struct {
	Name       string           `json:"name"`
	Status     StepStatus       `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Counts     map[string]int64 `json:"counts,omitempty"`
	Snapshot   string           `json:"snapshot,omitempty"`
	Files      []FileFailure    `json:"file_failures,omitempty"`
	Code       string           `json:"code,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Report is the per-run record kept for operability.
type Report struct {
	RunID      string       `json:"run_id"`
	Target     string       `json:"target"`
	Trigger    string       `json:"trigger"`
	State      State        `json:"state"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	Steps      []StepReport `json:"steps"`
	FailedStep string       `json:"failed_step,omitempty"`
	Code       string       `json:"code,omitempty"`
	Cause      string       `json:"cause,omitempty"`
}

// Step returns the report of the named step, or nil if it did not run.
func (r *Report) Step(name string) *StepReport {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Succeeded reports whether the run reached Done.
func (r *Report) Succeeded() bool {
	return r.State == StateDone
}

// encode serialises the report for persistence.
func (r *Report) encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReport parses a persisted report.
func DecodeReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// WriteText renders the report for humans.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s  target=%s  trigger=%s\n", r.RunID, r.Target, r.Trigger)
	fmt.Fprintf(&b, "state: %s\n", r.State)
	if r.FailedStep != "" {
		fmt.Fprintf(&b, "failed step: %s\n", r.FailedStep)
		fmt.Fprintf(&b, "cause: %s\n", r.Cause)
	}
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %-8s %-8s %s", s.Name, s.Status, s.FinishedAt.Sub(s.StartedAt))
		if s.Snapshot != "" {
			fmt.Fprintf(&b, "  snapshot=%s", s.Snapshot)
		}
		for _, k := range sortedKeys(s.Counts) {
			fmt.Fprintf(&b, "  %s=%d", k, s.Counts[k])
		}
		b.WriteString("\n")
		for _, f := range s.Files {
			fmt.Fprintf(&b, "    ! %s: %s\n", f.Name, f.Error)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", s.Error)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
