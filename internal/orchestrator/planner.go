package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Planner builds a phase's task units from the outcomes of its direct
// dependencies. It must be deterministic: the same upstream outcomes always
// yield the same units in the same order, so resume reconstructs the same
// batches.
type Planner func(phase model.Phase, upstream map[string]*model.PhaseOutcome) ([]model.TaskUnit, error)

// DefaultPlanner returns a phase's static task list, or fans out from the
// usable results of phase.FanOutFrom. A payload holding a JSON array yields
// one unit per element with id "<task>#<index>"; any other payload yields one
// unit carrying the payload under the upstream task id.
func DefaultPlanner(phase model.Phase, upstream map[string]*model.PhaseOutcome) ([]model.TaskUnit, error) {
	if phase.FanOutFrom == "" {
		return append([]model.TaskUnit(nil), phase.Tasks...), nil
	}

	src, ok := upstream[phase.FanOutFrom]
	if !ok || src == nil {
		return nil, eris.Errorf("planner: phase %s has no outcome for %s", phase.ID, phase.FanOutFrom)
	}

	var units []model.TaskUnit
	seen := make(map[string]bool)
	add := func(id string, input json.RawMessage) error {
		if seen[id] {
			return eris.Errorf("planner: phase %s derived duplicate task id %q", phase.ID, id)
		}
		seen[id] = true
		units = append(units, model.TaskUnit{ID: id, Input: input})
		return nil
	}

	for _, r := range src.Usable() {
		payload := bytes.TrimSpace(r.Payload)
		if len(payload) > 0 && payload[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(payload, &items); err != nil {
				return nil, eris.Wrapf(err, "planner: task %s payload", r.TaskID)
			}
			for i, item := range items {
				if err := add(fmt.Sprintf("%s#%d", r.TaskID, i), item); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(r.TaskID, r.Payload); err != nil {
			return nil, err
		}
	}
	return units, nil
}
