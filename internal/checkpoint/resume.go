package checkpoint

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// ResumePoint derives where a run should continue: the first phase in order
// without a completion marker and, within it, the lowest batch index with no
// record or an incomplete one.
func ResumePoint(ctx context.Context, st Store, runID string, order []string) (model.ResumePoint, error) {
	markers, err := st.PhaseMarkers(ctx, runID)
	if err != nil {
		return model.ResumePoint{}, eris.Wrap(err, "checkpoint: resume point")
	}
	done := make(map[string]bool, len(markers))
	for _, m := range markers {
		done[m.PhaseID] = true
	}

	for _, phaseID := range order {
		if done[phaseID] {
			continue
		}
		recs, err := st.LoadPhase(ctx, runID, phaseID)
		if err != nil {
			return model.ResumePoint{}, eris.Wrapf(err, "checkpoint: resume point %s", phaseID)
		}
		return model.ResumePoint{PhaseID: phaseID, BatchIndex: FirstIncomplete(recs)}, nil
	}
	return model.ResumePoint{Done: true}, nil
}

// FirstIncomplete returns the lowest batch index without a complete record.
// recs must be ordered by batch index.
func FirstIncomplete(recs []model.CheckpointRecord) int {
	next := 0
	for i := range recs {
		if recs[i].BatchIndex != next || !recs[i].Complete() {
			return next
		}
		next++
	}
	return next
}
