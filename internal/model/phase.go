package model

// PhaseStatus represents the lifecycle state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// DefaultFailureThreshold aborts a phase only when every task in a batch hard-fails.
const DefaultFailureThreshold = 1.0

// Phase is a static stage of the pipeline. Phases are defined once at startup
// and never mutated during a run.
type Phase struct {
	ID        string   `yaml:"id" json:"id"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`

	// Group is the concurrency-group tag. Phases sharing a tag start together
	// once their dependencies are satisfied. Empty means the phase runs alone.
	Group string `yaml:"group" json:"group,omitempty"`

	// BatchSize is both the partition size and the concurrency bound.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	RequiresSharedResource bool `yaml:"requires_shared_resource" json:"requires_shared_resource,omitempty"`

	// FailureThreshold is the fraction (0,1] of a batch that must hard-fail
	// before the phase aborts. Zero means DefaultFailureThreshold.
	FailureThreshold float64 `yaml:"failure_threshold" json:"failure_threshold,omitempty"`

	// RateLimit caps task attempts per second for this phase. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit,omitempty"`

	// MaxAttempts overrides the global retry attempt limit when positive.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`

	// Body names the registered task body that executes this phase's units.
	Body string `yaml:"body" json:"body"`

	// Tasks is a static task list. Ignored when FanOutFrom is set.
	Tasks []TaskUnit `yaml:"-" json:"tasks,omitempty"`

	// FanOutFrom derives task units from the successful results of an
	// upstream phase. It must also appear in DependsOn.
	FanOutFrom string `yaml:"fan_out_from" json:"fan_out_from,omitempty"`
}

// ConcurrencyGroup returns the group tag, defaulting to the phase ID.
func (p Phase) ConcurrencyGroup() string {
	if p.Group == "" {
		return p.ID
	}
	return p.Group
}

// AbortThreshold returns the effective failure threshold.
func (p Phase) AbortThreshold() float64 {
	if p.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return p.FailureThreshold
}

// PhaseOutcome aggregates every TaskResult a phase produced, for consumption
// by dependent phases and for the final run accounting.
type PhaseOutcome struct {
	PhaseID   string       `json:"phase_id"`
	Status    PhaseStatus  `json:"status"`
	Batches   int          `json:"batches"`
	Results   []TaskResult `json:"results,omitempty"`
	Successes int          `json:"successes"`
	Partials  int          `json:"partials"`
	Failures  int          `json:"failures"`

	// Skipped is set when the phase never ran because a dependency failed.
	Skipped bool `json:"skipped,omitempty"`
	// Resumed is set when the outcome was rebuilt entirely from checkpoints.
	Resumed bool `json:"resumed,omitempty"`

	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Add folds a batch of results into the outcome.
func (o *PhaseOutcome) Add(results []TaskResult) {
	o.Batches++
	for _, r := range results {
		switch r.Status {
		case ResultSuccess:
			o.Successes++
		case ResultPartialSuccess:
			o.Partials++
		case ResultFailure:
			o.Failures++
		}
	}
	o.Results = append(o.Results, results...)
}

// Usable returns the results that carry a payload (success or partial success).
func (o *PhaseOutcome) Usable() []TaskResult {
	if o == nil {
		return nil
	}
	var out []TaskResult
	for _, r := range o.Results {
		if r.Status != ResultFailure {
			out = append(out, r)
		}
	}
	return out
}
