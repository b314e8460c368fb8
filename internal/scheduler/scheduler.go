// Package scheduler runs one phase's task units in bounded-size concurrent
// batches, checkpointing every batch before the next one is dispatched.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/resource"
)

// ErrPartitionMismatch is wrapped in a CheckpointError when a recorded batch
// was written for different task units than the current partition.
var ErrPartitionMismatch = eris.New("scheduler: recorded batch does not match partition")

// Scheduler executes phases. It holds no per-phase state, so one instance
// serves every phase of a run concurrently.
type Scheduler struct {
	store          checkpoint.Store
	queue          *resource.Queue
	sink           events.Sink
	breakers       *resilience.PhaseBreakers
	retry          resilience.RetryConfig
	acquireTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithQueue sets the shared-resource queue.
func WithQueue(q *resource.Queue) Option {
	return func(s *Scheduler) { s.queue = q }
}

// WithSink sets the progress sink.
func WithSink(sink events.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithBreakers enables per-phase circuit breakers.
func WithBreakers(b *resilience.PhaseBreakers) Option {
	return func(s *Scheduler) { s.breakers = b }
}

// WithRetry sets the global retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Scheduler) { s.retry = cfg }
}

// WithAcquireTimeout bounds each wait for the shared resource.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.acquireTimeout = d }
}

// New creates a Scheduler writing checkpoints to store.
func New(store checkpoint.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		sink:           events.Nop{},
		retry:          resilience.DefaultRetryConfig(),
		acquireTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = resource.NewQueue("shared", 0)
	}
	return s
}

// Queue returns the shared-resource queue.
func (s *Scheduler) Queue() *resource.Queue {
	return s.queue
}

// phaseRun carries the per-invocation collaborators of RunPhase.
type phaseRun struct {
	runID   string
	phase   model.Phase
	body    model.TaskBody
	limiter *resilience.AdaptiveLimiter
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// RunPhase partitions units into batches of phase.BatchSize and processes
// them in order. Batches with a complete checkpoint are folded in without
// re-execution.
//
// The returned outcome is never nil. Its status is Completed, or Failed when
// a batch crossed the phase's failure threshold. A non-nil error means the
// phase stopped early: a *model.CheckpointError, or the context error when
// ctx was cancelled. The in-flight batch is not checkpointed on cancellation.
func (s *Scheduler) RunPhase(ctx context.Context, runID string, phase model.Phase, units []model.TaskUnit, body model.TaskBody) (*model.PhaseOutcome, error) {
	start := time.Now()
	outcome := &model.PhaseOutcome{PhaseID: phase.ID, Status: model.PhaseStatusRunning}
	batches := model.Partition(phase.ID, units, phase.BatchSize)

	pr := &phaseRun{
		runID:   runID,
		phase:   phase,
		body:    body,
		limiter: resilience.NewAdaptiveLimiter(phase.ID, phase.RateLimit, 1),
		log: zap.L().With(
			zap.String("run_id", runID),
			zap.String("phase", phase.ID),
		),
	}
	if s.breakers != nil {
		pr.breaker = s.breakers.Get(phase.ID)
	}

	pr.log.Info("phase started",
		zap.Int("tasks", len(units)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", phase.BatchSize),
		zap.Bool("shared_resource", phase.RequiresSharedResource),
	)
	s.emit(events.Event{Type: events.PhaseStarted, RunID: runID, PhaseID: phase.ID})

	finish := func(status model.PhaseStatus, err error) (*model.PhaseOutcome, error) {
		outcome.Status = status
		outcome.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			outcome.Error = err.Error()
		}
		typ := events.PhaseCompleted
		if status == model.PhaseStatusFailed {
			typ = events.PhaseFailed
		}
		s.emit(events.Event{
			Type:      typ,
			RunID:     runID,
			PhaseID:   phase.ID,
			Status:    string(status),
			Successes: outcome.Successes + outcome.Partials,
			Failures:  outcome.Failures,
			Duration:  time.Since(start),
		})
		return outcome, err
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return finish(model.PhaseStatusFailed, err)
		}

		results, err := s.processBatch(ctx, pr, batch)
		if err != nil {
			if model.IsCheckpointError(err) {
				pr.log.Error("checkpoint failure, phase aborted", zap.Int("batch", batch.Index), zap.Error(err))
			}
			return finish(model.PhaseStatusFailed, err)
		}
		outcome.Add(results)

		if exceedsThreshold(results, phase.AbortThreshold()) {
			pr.log.Warn("batch failure threshold reached, phase aborted",
				zap.Int("batch", batch.Index),
				zap.Int("failures", countFailures(results)),
				zap.Int("tasks", len(results)),
				zap.Float64("threshold", phase.AbortThreshold()),
			)
			outcome.Error = fmt.Sprintf("batch %d: %d of %d tasks failed", batch.Index, countFailures(results), len(results))
			return finish(model.PhaseStatusFailed, nil)
		}
	}

	if err := s.store.MarkPhaseComplete(ctx, runID, phase.ID, len(batches)); err != nil {
		return finish(model.PhaseStatusFailed, &model.CheckpointError{
			Op: "mark", PhaseID: phase.ID, BatchIndex: len(batches), Err: err,
		})
	}

	pr.log.Info("phase completed",
		zap.Int("successes", outcome.Successes),
		zap.Int("partials", outcome.Partials),
		zap.Int("failures", outcome.Failures),
		zap.Duration("duration", time.Since(start)),
	)
	return finish(model.PhaseStatusCompleted, nil)
}

// processBatch returns the batch's results, either from a complete checkpoint
// or by executing the units that have no recorded result yet.
func (s *Scheduler) processBatch(ctx context.Context, pr *phaseRun, batch model.Batch) ([]model.TaskResult, error) {
	rec, err := s.store.LoadBatch(ctx, pr.runID, pr.phase.ID, batch.Index)
	if err != nil {
		return nil, &model.CheckpointError{Op: "load", PhaseID: pr.phase.ID, BatchIndex: batch.Index, Err: err}
	}
	if rec != nil && !rec.Matches(batch) {
		return nil, &model.CheckpointError{Op: "verify", PhaseID: pr.phase.ID, BatchIndex: batch.Index, Err: ErrPartitionMismatch}
	}
	if rec.Complete() {
		pr.log.Debug("batch restored from checkpoint", zap.Int("batch", batch.Index))
		s.emit(events.Event{Type: events.BatchResumed, RunID: pr.runID, PhaseID: pr.phase.ID, BatchIndex: batch.Index})
		return rec.Results, nil
	}

	recorded := make(map[string]model.TaskResult)
	if rec != nil {
		for _, r := range rec.Results {
			recorded[r.TaskID] = r
		}
	}

	s.emit(events.Event{Type: events.BatchStarted, RunID: pr.runID, PhaseID: pr.phase.ID, BatchIndex: batch.Index})
	start := time.Now()

	results := make([]model.TaskResult, len(batch.Units))
	var g errgroup.Group
	g.SetLimit(pr.phase.BatchSize)
	for i, unit := range batch.Units {
		if r, ok := recorded[unit.ID]; ok && !r.Failed() {
			results[i] = r
			continue
		}
		prior := recorded[unit.ID].Attempt
		g.Go(func() error {
			results[i] = s.runTask(ctx, pr, batch.Index, unit, prior)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		pr.log.Info("interrupted, batch not checkpointed", zap.Int("batch", batch.Index))
		return nil, err
	}

	full := &model.CheckpointRecord{
		RunID:      pr.runID,
		PhaseID:    pr.phase.ID,
		BatchIndex: batch.Index,
		TaskIDs:    batch.TaskIDs(),
		TaskCount:  len(batch.Units),
		Results:    results,
	}
	if err := checkpoint.RecordVerified(ctx, s.store, full); err != nil {
		return nil, &model.CheckpointError{Op: "record", PhaseID: pr.phase.ID, BatchIndex: batch.Index, Err: err}
	}

	failures := countFailures(results)
	pr.log.Info("batch completed",
		zap.Int("batch", batch.Index),
		zap.Int("tasks", len(results)),
		zap.Int("failures", failures),
		zap.Duration("duration", time.Since(start)),
	)
	s.emit(events.Event{
		Type:       events.BatchCompleted,
		RunID:      pr.runID,
		PhaseID:    pr.phase.ID,
		BatchIndex: batch.Index,
		Successes:  len(results) - failures,
		Failures:   failures,
		Duration:   time.Since(start),
	})
	return results, nil
}

func (s *Scheduler) emit(e events.Event) {
	s.sink.Emit(events.Stamp(e))
}

func countFailures(results []model.TaskResult) int {
	n := 0
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}

// exceedsThreshold reports whether the failed fraction of a batch reaches
// threshold.
func exceedsThreshold(results []model.TaskResult, threshold float64) bool {
	if len(results) == 0 {
		return false
	}
	return float64(countFailures(results)) >= threshold*float64(len(results))-1e-9
}
