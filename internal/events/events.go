// Package events carries structured progress events from the engine to
// external reporters. The engine never formats or displays anything itself.
package events

import (
	"sync"
	"time"
)

// Type names an engine event.
type Type string

const (
	RunStarted        Type = "run_started"
	RunCompleted      Type = "run_completed"
	PhaseStarted      Type = "phase_started"
	PhaseCompleted    Type = "phase_completed"
	PhaseFailed       Type = "phase_failed"
	PhaseSkipped      Type = "phase_skipped"
	BatchStarted      Type = "batch_started"
	BatchCompleted    Type = "batch_completed"
	BatchResumed      Type = "batch_resumed"
	TaskRetried       Type = "task_retried"
	ResourceQueueWait Type = "resource_queue_wait"
)

// Event is one progress notification. Fields not meaningful for a Type are
// left zero.
type Event struct {
	Type       Type          `json:"type"`
	RunID      string        `json:"run_id"`
	PhaseID    string        `json:"phase_id,omitempty"`
	BatchIndex int           `json:"batch_index"`
	TaskID     string        `json:"task_id,omitempty"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
	Duration   time.Duration `json:"duration"`
	Status     string        `json:"status,omitempty"`
	Time       time.Time     `json:"time"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Func adapts a function to a Sink.
type Func func(Event)

func (f Func) Emit(e Event) { f(e) }

// Stamp fills the event time if unset.
func Stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// Recorder keeps every event in memory, newest last. A positive limit keeps
// only the most recent events.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewRecorder creates a Recorder. limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
