package model

import "time"

// RunStatus is the terminal outcome of a pipeline run.
type RunStatus string

const (
	RunStatusCompleted          RunStatus = "completed"
	RunStatusPartiallyCompleted RunStatus = "partially_completed"
	RunStatusAborted            RunStatus = "aborted"
)

// RunOutcome is the result of an orchestrator run.
type RunOutcome struct {
	RunID  string                   `json:"run_id"`
	Status RunStatus                `json:"status"`
	Order  []string                 `json:"order"`
	Phases map[string]*PhaseOutcome `json:"phases"`

	// Failures lists every failed task unit, sourced from persisted records.
	Failures []FailureEntry `json:"failures,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FailureEntry accounts for one failed task unit.
type FailureEntry struct {
	PhaseID    string    `json:"phase_id"`
	BatchIndex int       `json:"batch_index"`
	TaskID     string    `json:"task_id"`
	Kind       ErrorKind `json:"kind"`
	Detail     string    `json:"detail"`
	Attempt    int       `json:"attempt"`
}

// Totals sums success, partial, and failure counts across all phases.
func (o *RunOutcome) Totals() (successes, partials, failures int) {
	for _, p := range o.Phases {
		successes += p.Successes
		partials += p.Partials
		failures += p.Failures
	}
	return successes, partials, failures
}
