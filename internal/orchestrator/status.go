package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/model"
	"github.com/sells-group/research-orchestrator/internal/phasegraph"
)

// PhaseProgress summarizes the persisted state of one phase.
type PhaseProgress struct {
	PhaseID         string `json:"phase_id"`
	Group           string `json:"group"`
	Complete        bool   `json:"complete"`
	BatchesRecorded int    `json:"batches_recorded"`
	Incomplete      int    `json:"incomplete_batches"`
	Results         int    `json:"results"`
	Failures        int    `json:"failures"`
}

// StatusReport is the persisted progress of a run, derived entirely from
// checkpoint records.
type StatusReport struct {
	RunID  string            `json:"run_id"`
	Resume model.ResumePoint `json:"resume"`
	Phases []PhaseProgress   `json:"phases"`
}

// Status reads a run's progress from the store without executing anything.
func Status(ctx context.Context, st checkpoint.Store, g *phasegraph.Graph, runID string) (*StatusReport, error) {
	order := g.Order()
	rp, err := checkpoint.ResumePoint(ctx, st, runID, order)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{RunID: runID, Resume: rp}
	for _, id := range order {
		complete, err := checkpoint.IsPhaseComplete(ctx, st, runID, id)
		if err != nil {
			return nil, err
		}
		recs, err := st.LoadPhase(ctx, runID, id)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: status %s", id)
		}
		pp := PhaseProgress{
			PhaseID:         id,
			Group:           g.ConcurrencyGroupOf(id),
			Complete:        complete,
			BatchesRecorded: len(recs),
		}
		for i := range recs {
			if !recs[i].Complete() {
				pp.Incomplete++
			}
			pp.Results += len(recs[i].Results)
			pp.Failures += recs[i].FailureCount()
		}
		report.Phases = append(report.Phases, pp)
	}
	return report, nil
}

// Failures lists every failed task of a run in phase order, sourced from
// persisted records.
func Failures(ctx context.Context, st checkpoint.Store, g *phasegraph.Graph, runID string) ([]model.FailureEntry, error) {
	return checkpoint.Failures(ctx, st, runID, g.Order())
}

// ResetPhase deletes a phase's checkpoints and those of every phase that
// depends on it, so the next run re-executes them. It returns the reset
// phase ids in dependency order.
func ResetPhase(ctx context.Context, st checkpoint.Store, g *phasegraph.Graph, runID, phaseID string) ([]string, error) {
	if _, ok := g.Phase(phaseID); !ok {
		return nil, model.NewConfigError("unknown phase %q", phaseID)
	}
	var reset []string
	for _, id := range g.Order() {
		if id != phaseID && !g.DependsOn(id, phaseID) {
			continue
		}
		if err := st.DeletePhase(ctx, runID, id); err != nil {
			return reset, eris.Wrapf(err, "orchestrator: reset %s", id)
		}
		reset = append(reset, id)
	}
	return reset, nil
}
