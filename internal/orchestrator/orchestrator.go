// Package orchestrator walks the phase graph group by group, resuming from
// checkpoints, and folds every phase's results into a run outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/phasegraph"
	"github.com/sells-group/research-orchestrator/internal/scheduler"
)

// Orchestrator runs a pipeline for one run id.
type Orchestrator struct {
	runID   string
	graph   *phasegraph.Graph
	store   checkpoint.Store
	sched   *scheduler.Scheduler
	bodies  Bodies
	planner Planner
	sink    events.Sink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlanner replaces DefaultPlanner.
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithSink sets the progress sink for run and phase-skip events.
func WithSink(sink events.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// New validates the run id and that every phase references a registered
// body. Either problem is a *model.ConfigError and nothing is executed.
func New(runID string, graph *phasegraph.Graph, store checkpoint.Store, sched *scheduler.Scheduler, bodies Bodies, opts ...Option) (*Orchestrator, error) {
	if err := model.CheckID("run", runID); err != nil {
		return nil, err
	}
	for _, p := range graph.AllPhases() {
		if _, ok := bodies[p.Body]; !ok {
			return nil, model.NewConfigError("phase %q uses unknown body %q (registered: %v)", p.ID, p.Body, bodies.Names())
		}
	}
	o := &Orchestrator{
		runID:   runID,
		graph:   graph,
		store:   store,
		sched:   sched,
		bodies:  bodies,
		planner: DefaultPlanner,
		sink:    events.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// runState is the mutable accounting of one Run call.
type runState struct {
	mu       sync.Mutex
	outcomes map[string]*model.PhaseOutcome
	aborted  bool
}

func (rs *runState) set(out *model.PhaseOutcome) {
	rs.mu.Lock()
	rs.outcomes[out.PhaseID] = out
	rs.mu.Unlock()
}

func (rs *runState) get(id string) *model.PhaseOutcome {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.outcomes[id]
}

// Run executes every phase not yet complete, group by group in dependency
// order. Phases of one group run concurrently; a failure in one never
// cancels its siblings. Dependents of a failed phase are skipped and marked
// Failed.
//
// The outcome is Completed when every phase completed, Aborted when a phase
// hit a checkpoint failure, and PartiallyCompleted otherwise. A non-nil
// error is returned only for interruption or an unreadable store; the
// partial outcome is still returned with it.
func (o *Orchestrator) Run(ctx context.Context) (*model.RunOutcome, error) {
	log := zap.L().With(zap.String("run_id", o.runID))
	outcome := &model.RunOutcome{
		RunID:     o.runID,
		Order:     o.graph.Order(),
		Phases:    make(map[string]*model.PhaseOutcome),
		StartedAt: time.Now().UTC(),
	}

	rp, err := checkpoint.ResumePoint(ctx, o.store, o.runID, outcome.Order)
	if err != nil {
		return o.finish(outcome, model.RunStatusAborted), eris.Wrap(err, "orchestrator: resume point")
	}
	if rp.Done {
		log.Info("all phases already complete, rebuilding outcome from checkpoints")
	} else {
		log.Info("starting run",
			zap.String("resume_phase", rp.PhaseID),
			zap.Int("resume_batch", rp.BatchIndex),
			zap.Int("phases", len(outcome.Order)),
		)
	}
	o.sink.Emit(events.Stamp(events.Event{Type: events.RunStarted, RunID: o.runID, PhaseID: rp.PhaseID, BatchIndex: rp.BatchIndex}))

	rs := &runState{outcomes: outcome.Phases}
	for _, grp := range o.graph.Groups() {
		if err := ctx.Err(); err != nil {
			return o.finish(outcome, model.RunStatusAborted), err
		}

		done, err := o.completedPhases(ctx)
		if err != nil {
			return o.finish(outcome, model.RunStatusAborted), err
		}

		var g errgroup.Group
		for _, id := range grp.Phases {
			g.Go(func() error {
				return o.runPhase(ctx, rs, id, done)
			})
		}
		if err := g.Wait(); err != nil {
			return o.finish(outcome, model.RunStatusAborted), err
		}
	}

	failures, err := checkpoint.Failures(ctx, o.store, o.runID, outcome.Order)
	if err != nil {
		return o.finish(outcome, model.RunStatusAborted), eris.Wrap(err, "orchestrator: failure accounting")
	}
	outcome.Failures = failures

	status := model.RunStatusCompleted
	for _, id := range outcome.Order {
		if p := outcome.Phases[id]; p == nil || p.Status != model.PhaseStatusCompleted {
			status = model.RunStatusPartiallyCompleted
		}
	}
	if rs.aborted {
		status = model.RunStatusAborted
	}
	return o.finish(outcome, status), nil
}

func (o *Orchestrator) finish(outcome *model.RunOutcome, status model.RunStatus) *model.RunOutcome {
	outcome.Status = status
	outcome.FinishedAt = time.Now().UTC()
	successes, partials, failures := outcome.Totals()
	zap.L().Info("run finished",
		zap.String("run_id", o.runID),
		zap.String("status", string(status)),
		zap.Int("successes", successes),
		zap.Int("partials", partials),
		zap.Int("failures", failures),
		zap.Duration("duration", outcome.FinishedAt.Sub(outcome.StartedAt)),
	)
	o.sink.Emit(events.Stamp(events.Event{
		Type:      events.RunCompleted,
		RunID:     o.runID,
		Status:    string(status),
		Successes: successes + partials,
		Failures:  failures,
		Duration:  outcome.FinishedAt.Sub(outcome.StartedAt),
	}))
	return outcome
}

// completedPhases reads the completion markers from the store.
func (o *Orchestrator) completedPhases(ctx context.Context) (map[string]bool, error) {
	markers, err := o.store.PhaseMarkers(ctx, o.runID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: read phase markers")
	}
	done := make(map[string]bool, len(markers))
	for _, m := range markers {
		done[m.PhaseID] = true
	}
	return done, nil
}

// runPhase resolves one phase: restored from checkpoints, skipped because a
// dependency failed, or executed. It returns an error only for interruption.
func (o *Orchestrator) runPhase(ctx context.Context, rs *runState, id string, done map[string]bool) error {
	phase, _ := o.graph.Phase(id)
	log := zap.L().With(zap.String("run_id", o.runID), zap.String("phase", id))

	if done[id] {
		out, err := o.restore(ctx, phase)
		if err != nil {
			return err
		}
		log.Info("phase already complete, restored from checkpoints", zap.Int("batches", out.Batches))
		rs.set(out)
		return nil
	}

	upstream := make(map[string]*model.PhaseOutcome)
	for _, dep := range phase.DependsOn {
		depOut := rs.get(dep)
		if !done[dep] || depOut == nil || depOut.Status != model.PhaseStatusCompleted {
			reason := fmt.Sprintf("dependency %s did not complete", dep)
			log.Warn("phase skipped", zap.String("reason", reason))
			rs.set(&model.PhaseOutcome{PhaseID: id, Status: model.PhaseStatusFailed, Skipped: true, Error: reason})
			o.sink.Emit(events.Stamp(events.Event{
				Type: events.PhaseSkipped, RunID: o.runID, PhaseID: id, Status: string(model.PhaseStatusFailed),
			}))
			return nil
		}
		upstream[dep] = depOut
	}

	units, err := o.planner(phase, upstream)
	if err != nil {
		log.Error("task planning failed", zap.Error(err))
		rs.set(&model.PhaseOutcome{PhaseID: id, Status: model.PhaseStatusFailed, Error: err.Error()})
		o.sink.Emit(events.Stamp(events.Event{
			Type: events.PhaseFailed, RunID: o.runID, PhaseID: id, Status: string(model.PhaseStatusFailed),
		}))
		return nil
	}

	out, err := o.sched.RunPhase(ctx, o.runID, phase, units, o.bodies[phase.Body])
	rs.set(out)
	switch {
	case err == nil:
		return nil
	case model.IsCheckpointError(err):
		rs.mu.Lock()
		rs.aborted = true
		rs.mu.Unlock()
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return eris.Wrapf(err, "orchestrator: phase %s", id)
	}
}

// restore rebuilds a completed phase's outcome from its records.
func (o *Orchestrator) restore(ctx context.Context, phase model.Phase) (*model.PhaseOutcome, error) {
	recs, err := o.store.LoadPhase(ctx, o.runID, phase.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: restore phase %s", phase.ID)
	}
	out := &model.PhaseOutcome{PhaseID: phase.ID, Status: model.PhaseStatusCompleted, Resumed: true}
	for _, rec := range recs {
		out.Add(rec.Results)
	}
	return out, nil
}
