// Package phasegraph holds the static dependency and parallelism description
// of a pipeline's phases. A Graph is validated once at construction and
// never mutated afterwards.
package phasegraph

import (
	"slices"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Group is a concurrency group: phases the orchestrator starts together.
type Group struct {
	ID     string   `json:"id"`
	Phases []string `json:"phases"`
}

// Graph is a validated, immutable phase graph.
type Graph struct {
	phases map[string]model.Phase
	index  map[string]int
	order  []string
	groups []Group
	trans  map[string]map[string]bool
}

// New validates phases and builds the graph. Every validation failure is a
// *model.ConfigError.
func New(phases []model.Phase) (*Graph, error) {
	g := &Graph{
		phases: make(map[string]model.Phase, len(phases)),
		index:  make(map[string]int, len(phases)),
		trans:  make(map[string]map[string]bool, len(phases)),
	}
	if len(phases) == 0 {
		return nil, model.NewConfigError("pipeline defines no phases")
	}
	for i, p := range phases {
		if err := validatePhase(p); err != nil {
			return nil, err
		}
		if _, dup := g.phases[p.ID]; dup {
			return nil, model.NewConfigError("duplicate phase %q", p.ID)
		}
		p.DependsOn = append([]string(nil), p.DependsOn...)
		p.Tasks = append([]model.TaskUnit(nil), p.Tasks...)
		g.phases[p.ID] = p
		g.index[p.ID] = i
	}

	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if _, ok := g.phases[dep]; !ok {
				return nil, model.NewConfigError("phase %q depends on unknown phase %q", p.ID, dep)
			}
			if dep == p.ID {
				return nil, model.NewConfigError("phase %q depends on itself", p.ID)
			}
		}
		if p.FanOutFrom != "" && !slices.Contains(p.DependsOn, p.FanOutFrom) {
			return nil, model.NewConfigError("phase %q fans out from %q which is not a dependency", p.ID, p.FanOutFrom)
		}
	}

	sorted, err := g.sortPhases(phases)
	if err != nil {
		return nil, err
	}
	g.order = sorted

	for _, id := range g.order {
		set := make(map[string]bool)
		for _, dep := range g.phases[id].DependsOn {
			set[dep] = true
			for t := range g.trans[dep] {
				set[t] = true
			}
		}
		g.trans[id] = set
	}

	for _, id := range g.order {
		p := g.phases[id]
		for dep := range g.trans[id] {
			if g.phases[dep].ConcurrencyGroup() == p.ConcurrencyGroup() {
				return nil, model.NewConfigError("phase %q shares concurrency group %q with its dependency %q",
					id, p.ConcurrencyGroup(), dep)
			}
		}
	}

	groups, err := g.sortGroups()
	if err != nil {
		return nil, err
	}
	g.groups = groups
	return g, nil
}

func validatePhase(p model.Phase) error {
	if err := model.CheckID("phase", p.ID); err != nil {
		return err
	}
	switch {
	case p.BatchSize < 1:
		return model.NewConfigError("phase %q: batch_size must be at least 1, got %d", p.ID, p.BatchSize)
	case p.FailureThreshold < 0 || p.FailureThreshold > 1:
		return model.NewConfigError("phase %q: failure_threshold must be in (0,1], got %g", p.ID, p.FailureThreshold)
	case p.RateLimit < 0:
		return model.NewConfigError("phase %q: rate_limit must not be negative", p.ID)
	case p.MaxAttempts < 0:
		return model.NewConfigError("phase %q: max_attempts must not be negative", p.ID)
	case p.Body == "":
		return model.NewConfigError("phase %q: body is required", p.ID)
	case p.FanOutFrom != "" && len(p.Tasks) > 0:
		return model.NewConfigError("phase %q: tasks and fan_out_from are mutually exclusive", p.ID)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, u := range p.Tasks {
		if u.ID == "" {
			return model.NewConfigError("phase %q: task id is required", p.ID)
		}
		if seen[u.ID] {
			return model.NewConfigError("phase %q: duplicate task id %q", p.ID, u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}

// sortPhases returns a deterministic topological order: by dependency depth,
// then by definition order.
func (g *Graph) sortPhases(phases []model.Phase) ([]string, error) {
	edges := make([]toposort.Edge, 0, len(phases))
	for _, p := range phases {
		if len(p.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, p.ID})
			continue
		}
		for _, dep := range p.DependsOn {
			edges = append(edges, toposort.Edge{dep, p.ID})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &model.ConfigError{Msg: "phase dependencies contain a cycle", Err: err}
	}

	depth := make(map[string]int, len(phases))
	ids := make([]string, 0, len(phases))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		id := v.(string)
		d := 0
		for _, dep := range g.phases[id].DependsOn {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		ids = append(ids, id)
	}
	if len(ids) != len(phases) {
		return nil, model.NewConfigError("phase dependencies contain a cycle")
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] < depth[ids[j]]
		}
		return g.index[ids[i]] < g.index[ids[j]]
	})
	return ids, nil
}

// sortGroups orders concurrency groups so every group follows the groups of
// all its members' dependencies.
func (g *Graph) sortGroups() ([]Group, error) {
	members := make(map[string][]string)
	first := make(map[string]int)
	var names []string
	for _, id := range g.order {
		grp := g.phases[id].ConcurrencyGroup()
		if _, ok := members[grp]; !ok {
			names = append(names, grp)
			first[grp] = len(names)
		}
		members[grp] = append(members[grp], id)
	}

	var edges []toposort.Edge
	upstream := make(map[string][]string)
	for _, grp := range names {
		seen := map[string]bool{}
		for _, id := range members[grp] {
			for _, dep := range g.phases[id].DependsOn {
				dg := g.phases[dep].ConcurrencyGroup()
				if dg == grp || seen[dg] {
					continue
				}
				seen[dg] = true
				upstream[grp] = append(upstream[grp], dg)
				edges = append(edges, toposort.Edge{dg, grp})
			}
		}
		if len(upstream[grp]) == 0 {
			edges = append(edges, toposort.Edge{nil, grp})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &model.ConfigError{Msg: "concurrency groups contain a cycle", Err: err}
	}

	depth := make(map[string]int, len(names))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		grp := v.(string)
		d := 0
		for _, up := range upstream[grp] {
			if depth[up]+1 > d {
				d = depth[up] + 1
			}
		}
		depth[grp] = d
	}
	sort.SliceStable(names, func(i, j int) bool {
		if depth[names[i]] != depth[names[j]] {
			return depth[names[i]] < depth[names[j]]
		}
		return first[names[i]] < first[names[j]]
	})

	out := make([]Group, len(names))
	for i, grp := range names {
		out[i] = Group{ID: grp, Phases: members[grp]}
	}
	return out, nil
}

// Phase returns the phase with the given id.
func (g *Graph) Phase(id string) (model.Phase, bool) {
	p, ok := g.phases[id]
	return p, ok
}

// DependenciesOf returns the direct dependencies of a phase in declared order.
func (g *Graph) DependenciesOf(id string) []model.Phase {
	p, ok := g.phases[id]
	if !ok {
		return nil
	}
	out := make([]model.Phase, 0, len(p.DependsOn))
	for _, dep := range p.DependsOn {
		out = append(out, g.phases[dep])
	}
	return out
}

// DependsOn reports whether id transitively depends on dep.
func (g *Graph) DependsOn(id, dep string) bool {
	return g.trans[id][dep]
}

// ConcurrencyGroupOf returns the group id of a phase.
func (g *Graph) ConcurrencyGroupOf(id string) string {
	return g.phases[id].ConcurrencyGroup()
}

// AllPhases returns every phase in dependency order.
func (g *Graph) AllPhases() []model.Phase {
	out := make([]model.Phase, len(g.order))
	for i, id := range g.order {
		out[i] = g.phases[id]
	}
	return out
}

// Order returns phase ids in dependency order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Groups returns concurrency groups in execution order.
func (g *Graph) Groups() []Group {
	out := make([]Group, len(g.groups))
	for i, grp := range g.groups {
		out[i] = Group{ID: grp.ID, Phases: append([]string(nil), grp.Phases...)}
	}
	return out
}
