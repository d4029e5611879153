// Package phasedef holds the deploy-time phase topology: which phases
// exist, their producers, and their dependency requirements. The
// topology is fixed and embedded; it is validated once at startup, not
// discovered at runtime.
package phasedef

import (
	_ "embed"
	"fmt"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/courtdata/pipeline-cli/internal/model"
)

//go:embed deps.yaml
var depsYAML []byte

type file struct {
	Phases []model.PhaseDefinition `yaml:"phases"`
}

// Registry is the validated set of phase definitions.
type Registry struct {
	phases map[model.PhaseID]model.PhaseDefinition
	order  []model.PhaseID
}

// Load parses and validates the embedded topology. It is called once at
// startup; any error here is a deploy-time bug.
func Load() (*Registry, error) {
	return load(depsYAML)
}

func load(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "phasedef: parse deps.yaml")
	}
	if len(f.Phases) == 0 {
		return nil, eris.New("phasedef: no phases defined")
	}

	r := &Registry{phases: make(map[model.PhaseID]model.PhaseDefinition, len(f.Phases))}
	for _, p := range f.Phases {
		if p.ID == "" {
			return nil, eris.New("phasedef: phase with empty id")
		}
		if _, dup := r.phases[p.ID]; dup {
			return nil, eris.Errorf("phasedef: duplicate phase %q", p.ID)
		}
		if len(p.Producers) == 0 {
			return nil, eris.Errorf("phasedef: phase %q has no producers", p.ID)
		}
		if err := validateRequirements(p); err != nil {
			return nil, err
		}
		r.phases[p.ID] = p
		r.order = append(r.order, p.ID)
	}

	// Upstream references must exist and appear earlier in the file;
	// the topology is a small fixed chain, not a user-defined DAG.
	seen := make(map[model.PhaseID]bool)
	for _, id := range r.order {
		for _, up := range r.phases[id].Upstream {
			if !seen[up] {
				return nil, eris.Errorf("phasedef: phase %q references upstream %q that is not defined earlier", id, up)
			}
		}
		seen[id] = true
	}

	return r, nil
}

func validateRequirements(p model.PhaseDefinition) error {
	for _, req := range p.Requirements {
		if req.Name == "" || req.Table == "" {
			return eris.Errorf("phasedef: phase %q has a requirement missing name or table", p.ID)
		}
		switch req.Check {
		case model.CheckExactDate, model.CheckLookback, model.CheckMinRows:
		default:
			return eris.Errorf("phasedef: phase %q requirement %q has unknown check kind %q", p.ID, req.Name, req.Check)
		}
		switch req.Criticality {
		case model.CriticalityCritical, model.CriticalityOptional:
		default:
			return eris.Errorf("phasedef: phase %q requirement %q has unknown criticality %q", p.ID, req.Name, req.Criticality)
		}
		if req.Check == model.CheckMinRows && req.MinRows <= 0 {
			return eris.Errorf("phasedef: phase %q requirement %q: minimum-row-count needs min_rows > 0", p.ID, req.Name)
		}
		if req.Check == model.CheckLookback && req.LookbackDays <= 0 {
			return eris.Errorf("phasedef: phase %q requirement %q: lookback-window needs lookback_days > 0", p.ID, req.Name)
		}
	}
	return nil
}

// Get returns the definition for a phase.
func (r *Registry) Get(id model.PhaseID) (model.PhaseDefinition, error) {
	p, ok := r.phases[id]
	if !ok {
		return model.PhaseDefinition{}, eris.Errorf("phasedef: unknown phase %q", id)
	}
	return p, nil
}

// Downstream returns the phases that list id as an upstream.
func (r *Registry) Downstream(id model.PhaseID) []model.PhaseDefinition {
	var out []model.PhaseDefinition
	for _, pid := range r.order {
		p := r.phases[pid]
		for _, up := range p.Upstream {
			if up == id {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// All returns every phase in file order.
func (r *Registry) All() []model.PhaseDefinition {
	out := make([]model.PhaseDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.phases[id])
	}
	return out
}

// String renders a one-line summary of the topology.
func (r *Registry) String() string {
	s := ""
	for i, id := range r.order {
		if i > 0 {
			s += " -> "
		}
		s += string(id)
	}
	return fmt.Sprintf("pipeline[%s]", s)
}
