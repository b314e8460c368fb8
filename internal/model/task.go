package model

import (
	"context"
	"encoding/json"
	"time"
)

// TaskUnit is one immutable unit of work belonging to a phase.
type TaskUnit struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ResultStatus is the outcome class of a task execution.
type ResultStatus string

const (
	ResultSuccess        ResultStatus = "success"
	ResultPartialSuccess ResultStatus = "partial_success"
	ResultFailure        ResultStatus = "failure"
)

// ErrorKind classifies why a task failed.
type ErrorKind string

const (
	ErrorKindTransient       ErrorKind = "transient"
	ErrorKindPermanent       ErrorKind = "permanent"
	ErrorKindResourceTimeout ErrorKind = "resource_timeout"
	ErrorKindCircuitOpen     ErrorKind = "circuit_open"
	ErrorKindCanceled        ErrorKind = "canceled"
)

// TaskResult is the persisted outcome of executing a TaskUnit. A retry
// produces a new TaskResult with a higher Attempt; results are never mutated
// once checkpointed.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	PhaseID    string `json:"phase_id"`
	BatchIndex int    `json:"batch_index"`
	Attempt    int    `json:"attempt"`

	Status       ResultStatus    `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	QualityFlags []string        `json:"quality_flags,omitempty"`
	Confidence   *float64        `json:"confidence,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Failed reports whether the result is a hard failure.
func (r TaskResult) Failed() bool {
	return r.Status == ResultFailure
}

// TaskOutput is what a task body returns on success. A non-empty
// QualityFlags marks the result as a partial success.
type TaskOutput struct {
	Payload      json.RawMessage
	QualityFlags []string
	Confidence   *float64
}

// TaskBody executes a single TaskUnit against an external source. Errors are
// classified by the scheduler into transient or permanent kinds.
type TaskBody func(ctx context.Context, unit TaskUnit) (TaskOutput, error)

// NewSuccess builds a Success or PartialSuccess result from a body's output.
func NewSuccess(unit TaskUnit, phaseID string, batch, attempt int, out TaskOutput) TaskResult {
	status := ResultSuccess
	if len(out.QualityFlags) > 0 {
		status = ResultPartialSuccess
	}
	return TaskResult{
		TaskID:       unit.ID,
		PhaseID:      phaseID,
		BatchIndex:   batch,
		Attempt:      attempt,
		Status:       status,
		Payload:      out.Payload,
		QualityFlags: out.QualityFlags,
		Confidence:   out.Confidence,
		CompletedAt:  time.Now().UTC(),
	}
}

// NewFailure builds a Failure result.
func NewFailure(unit TaskUnit, phaseID string, batch, attempt int, kind ErrorKind, detail string) TaskResult {
	return TaskResult{
		TaskID:      unit.ID,
		PhaseID:     phaseID,
		BatchIndex:  batch,
		Attempt:     attempt,
		Status:      ResultFailure,
		ErrorKind:   kind,
		Detail:      detail,
		CompletedAt: time.Now().UTC(),
	}
}

// Batch is a bounded, ordered partition of a phase's task units.
type Batch struct {
	PhaseID string
	Index   int
	Units   []TaskUnit
}

// TaskIDs returns the unit IDs in batch order.
func (b Batch) TaskIDs() []string {
	ids := make([]string, len(b.Units))
	for i, u := range b.Units {
		ids[i] = u.ID
	}
	return ids
}

// Partition splits units into batches of size in stable input order. The
// same input always yields the same partitioning.
func Partition(phaseID string, units []TaskUnit, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	batches := make([]Batch, 0, (len(units)+size-1)/size)
	for start, idx := 0, 0; start < len(units); start, idx = start+size, idx+1 {
		end := start + size
		if end > len(units) {
			end = len(units)
		}
		batches = append(batches, Batch{
			PhaseID: phaseID,
			Index:   idx,
			Units:   units[start:end],
		})
	}
	return batches
}
