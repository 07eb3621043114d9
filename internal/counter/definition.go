// Package counter holds the counter configuration model and the per-fact
// plan builder: selecting applicable counter definitions, assembling their
// aggregation pipelines, and substituting fact-derived parameters.
package counter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Definition is one configured counter: a selection predicate over facts plus
// an aggregation recipe. Definitions are loaded once at startup and treated
// as immutable.
type Definition struct {
	// Name is unique within the index-type namespace.
	Name string `yaml:"name" json:"name"`
	// IndexTypeName binds the counter to an index type; all counters sharing
	// an index type run in one facet pipeline over the same relevant facts.
	IndexTypeName string `yaml:"indexTypeName" json:"indexTypeName"`
	// ComputationConditions selects which facts this counter applies to.
	ComputationConditions wire.Document `yaml:"computationConditions" json:"computationConditions"`
	// EvaluationConditions, when present, becomes a $match stage ahead of the
	// group stage.
	EvaluationConditions wire.Document `yaml:"evaluationConditions,omitempty" json:"evaluationConditions,omitempty"`
	// Attributes is the group specification; the builder forces _id to null.
	Attributes wire.Document `yaml:"attributes" json:"attributes"`
	// Variables optionally documents the $$parameters the pipelines expect.
	Variables []string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Validate checks the fields required of every definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("counter: definition missing name")
	}
	if d.IndexTypeName == "" {
		return fmt.Errorf("counter %q: missing indexTypeName", d.Name)
	}
	if d.ComputationConditions == nil {
		return fmt.Errorf("counter %q: missing computationConditions", d.Name)
	}
	if len(d.Attributes) == 0 {
		return fmt.Errorf("counter %q: missing attributes", d.Name)
	}
	for i, v := range d.Variables {
		if v == "" {
			return fmt.Errorf("counter %q: variables[%d] must be a non-empty string", d.Name, i)
		}
	}
	return nil
}

// ValidateAll validates an ordered definition list and rejects duplicate
// counter names within one index-type namespace.
func ValidateAll(defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return err
		}
		key := defs[i].IndexTypeName + "." + defs[i].Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("counter %q: duplicate name under index type %q", defs[i].Name, defs[i].IndexTypeName)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// LoadDefinitions reads and validates counter definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("counter: read definitions: %w", err)
	}
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("counter: parse definitions %s: %w", path, err)
	}
	if err := ValidateAll(defs); err != nil {
		return nil, err
	}
	return defs, nil
}
