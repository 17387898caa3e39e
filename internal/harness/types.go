package harness

// TraceEvent records one executed scenario step.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"` // "drop" or "run"

	// drop
	File    string `json:"file,omitempty"`
	Records int    `json:"records,omitempty"`

	// run
	RunID      string      `json:"run_id,omitempty"`
	State      string      `json:"state,omitempty"`
	FailedStep string      `json:"failed_step,omitempty"`
	Code       string      `json:"code,omitempty"`
	Steps      []StepTrace `json:"steps,omitempty"`
}

// StepTrace is the timing-free part of a pipeline step report.
type StepTrace struct {
	Name     string           `json:"name"`
	Status   string           `json:"status"`
	Snapshot string           `json:"snapshot,omitempty"`
	Counts   map[string]int64 `json:"counts,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every run expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Target is the final target content, key -> fields.
	Target map[string]map[string]string `json:"target"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Target: map[string]map[string]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Runs returns the run events of the trace.
func (r *Result) Runs() []TraceEvent {
	var runs []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == "run" {
			runs = append(runs, ev)
		}
	}
	return runs
}
