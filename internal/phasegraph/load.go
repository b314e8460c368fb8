package phasegraph

import (
	"encoding/json"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Definition is the on-disk pipeline description.
type Definition struct {
	Name   string      `yaml:"name"`
	Phases []PhaseSpec `yaml:"phases"`
}

// PhaseSpec is one phase entry of a pipeline file. Task inputs are arbitrary
// YAML values and are carried as JSON.
type PhaseSpec struct {
	model.Phase `yaml:",inline"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// TaskSpec is a static task entry.
type TaskSpec struct {
	ID    string `yaml:"id"`
	Input any    `yaml:"input"`
}

// LoadFile reads a pipeline definition from path and builds its graph.
func LoadFile(path string) (*Graph, *Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &model.ConfigError{Msg: "open pipeline " + path, Err: err}
	}
	defer f.Close() //nolint:errcheck
	return Load(f)
}

// Load parses a pipeline definition and builds its graph.
func Load(r io.Reader) (*Graph, *Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, nil, &model.ConfigError{Msg: "parse pipeline", Err: err}
	}
	phases, err := def.Build()
	if err != nil {
		return nil, nil, err
	}
	g, err := New(phases)
	if err != nil {
		return nil, nil, err
	}
	return g, &def, nil
}

// Build converts the definition into phases with JSON task inputs.
func (d *Definition) Build() ([]model.Phase, error) {
	out := make([]model.Phase, 0, len(d.Phases))
	for _, spec := range d.Phases {
		p := spec.Phase
		p.Tasks = nil
		for _, ts := range spec.Tasks {
			unit := model.TaskUnit{ID: ts.ID}
			if ts.Input != nil {
				raw, err := json.Marshal(ts.Input)
				if err != nil {
					return nil, &model.ConfigError{Msg: "phase " + p.ID + ": task " + ts.ID + " input", Err: err}
				}
				unit.Input = raw
			}
			p.Tasks = append(p.Tasks, unit)
		}
		out = append(out, p)
	}
	return out, nil
}
