package orchestrator

import (
	"sort"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Bodies maps task body names, as referenced by a phase's body field, to
// their implementations.
type Bodies map[string]model.TaskBody

// Register adds or replaces a body.
func (b Bodies) Register(name string, body model.TaskBody) {
	b[name] = body
}

// Names returns the registered names in sorted order.
func (b Bodies) Names() []string {
	out := make([]string, 0, len(b))
	for name := range b {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
