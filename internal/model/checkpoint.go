package model

import (
	"slices"
	"time"
)

// CheckpointRecord is the persisted outcome of one batch. Writes replace the
// whole batch; a record is never partially merged.
type CheckpointRecord struct {
	RunID      string `json:"run_id"`
	PhaseID    string `json:"phase_id"`
	BatchIndex int    `json:"batch_index"`

	// TaskIDs is the partition this record was written for, in batch order.
	TaskIDs []string `json:"task_ids"`
	// TaskCount is the number of units dispatched for the batch.
	TaskCount int `json:"task_count"`

	Results    []TaskResult `json:"results"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Complete reports whether every dispatched unit has a result.
func (r *CheckpointRecord) Complete() bool {
	return r != nil && r.TaskCount > 0 && len(r.Results) >= r.TaskCount
}

// FailureCount returns the number of Failure results.
func (r *CheckpointRecord) FailureCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// SuccessCount returns the number of Success and PartialSuccess results.
func (r *CheckpointRecord) SuccessCount() int {
	return len(r.Results) - r.FailureCount()
}

// Matches reports whether the record was written for the given batch partition.
func (r *CheckpointRecord) Matches(b Batch) bool {
	return slices.Equal(r.TaskIDs, b.TaskIDs())
}

// AttemptsByTask maps task IDs to the attempt count recorded for them.
func (r *CheckpointRecord) AttemptsByTask() map[string]int {
	out := make(map[string]int, len(r.Results))
	if r == nil {
		return out
	}
	for _, res := range r.Results {
		out[res.TaskID] = res.Attempt
	}
	return out
}

// ResumePoint is derived from checkpoint records: the first phase (in
// dependency order) not yet completed and, within it, the lowest batch with
// no record or an incomplete one.
type ResumePoint struct {
	PhaseID    string `json:"phase_id,omitempty"`
	BatchIndex int    `json:"batch_index"`
	// Done is set when every phase has a completion marker.
	Done bool `json:"done"`
}

// PhaseMarker is the terminal completion marker for a phase.
type PhaseMarker struct {
	RunID       string    `json:"run_id"`
	PhaseID     string    `json:"phase_id"`
	CompletedAt time.Time `json:"completed_at"`
}
