package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/resource"
)

// runTask executes one unit with retries and always yields exactly one
// result. prior is the attempt count already recorded for the unit.
func (s *Scheduler) runTask(ctx context.Context, pr *phaseRun, batch int, unit model.TaskUnit, prior int) model.TaskResult {
	retry := s.retry.WithMaxAttempts(pr.phase.MaxAttempts)
	logRetry := resilience.RetryLogger(pr.phase.ID, unit.ID)
	retry.OnRetry = func(attempt int, err error) {
		logRetry(prior+attempt, err)
		s.emit(events.Event{
			Type: events.TaskRetried, RunID: pr.runID, PhaseID: pr.phase.ID,
			BatchIndex: batch, TaskID: unit.ID,
		})
	}
	retry.ShouldRetry = func(err error) bool {
		return !model.IsResourceTimeout(err) && resilience.IsTransient(err)
	}

	var out model.TaskOutput
	attempts, err := resilience.Do(ctx, retry, func(ctx context.Context, _ int) error {
		if err := pr.limiter.Wait(ctx); err != nil {
			return err
		}
		call := func(ctx context.Context) error {
			o, err := s.invoke(ctx, pr, batch, unit)
			if err == nil {
				out = o
			}
			return err
		}
		var err error
		if pr.breaker != nil {
			err = pr.breaker.Execute(ctx, call)
		} else {
			err = call(ctx)
		}
		pr.limiter.Observe(err)
		return err
	})

	attempt := prior + attempts
	if err == nil {
		return model.NewSuccess(unit, pr.phase.ID, batch, attempt, out)
	}

	kind := resilience.Classify(err)
	if ctx.Err() == nil {
		pr.log.Warn("task failed",
			zap.String("task", unit.ID),
			zap.Int("batch", batch),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return model.NewFailure(unit, pr.phase.ID, batch, attempt, kind, err.Error())
}

// invoke performs a single attempt, holding the shared-resource lease for
// exactly the duration of the body call when the phase requires it.
func (s *Scheduler) invoke(ctx context.Context, pr *phaseRun, batch int, unit model.TaskUnit) (out model.TaskOutput, err error) {
	if !pr.phase.RequiresSharedResource {
		return callBody(ctx, pr.body, unit)
	}

	waitStart := time.Now()
	lease, err := s.queue.Acquire(ctx, pr.phase.ID+"/"+unit.ID, s.acquireTimeout)
	s.emit(events.Event{
		Type: events.ResourceQueueWait, RunID: pr.runID, PhaseID: pr.phase.ID,
		BatchIndex: batch, TaskID: unit.ID, Duration: time.Since(waitStart),
	})
	if err != nil {
		return model.TaskOutput{}, err
	}

	leaseCtx, cancel := lease.Context(ctx)
	defer func() {
		cancel()
		// The body's own result stands; an overrun is only reported.
		if relErr := s.queue.Release(lease); relErr != nil {
			level := zap.WarnLevel
			if !errors.Is(relErr, resource.ErrLeaseExpired) {
				level = zap.ErrorLevel
			}
			pr.log.Log(level, "shared resource release",
				zap.String("task", unit.ID),
				zap.Duration("held", time.Since(lease.GrantedAt)),
				zap.Error(relErr),
			)
		}
	}()
	return callBody(leaseCtx, pr.body, unit)
}

// callBody runs body, converting a panic into a permanent error.
func callBody(ctx context.Context, body model.TaskBody, unit model.TaskUnit) (out model.TaskOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.NewPermanentError(eris.New(fmt.Sprintf("task body panicked: %v", r)))
		}
	}()
	return body(ctx, unit)
}
