package counter

import (
	"log/slog"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Plan maps indexTypeName -> counterName -> pipeline stages, ready for facet
// assembly by the coordinator.
type Plan map[string]map[string][]wire.Document

// CounterNames returns the number of counters across all index types.
func (p Plan) CounterCount() int {
	n := 0
	for _, counters := range p {
		n += len(counters)
	}
	return n
}

// Builder selects applicable counter definitions for a fact and assembles
// their parameterized pipelines.
type Builder struct {
	defs    []Definition
	matcher *Matcher
	log     *slog.Logger

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewBuilder returns a Builder over validated definitions.
func NewBuilder(defs []Definition, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		defs:    defs,
		matcher: NewMatcher(log),
		log:     log,
		now:     time.Now,
	}
}

// Build produces the counter plan for a fact's data payload. For each
// definition whose computationConditions match, the pipeline is an optional
// $match stage (evaluationConditions) followed by a $group stage with the
// grouping key forced to null. Parameter substitution runs over the finished
// stages; $$NOW observes the clock exactly once per Build call.
func (b *Builder) Build(factData wire.Document) Plan {
	now := b.now().UTC()
	plan := make(Plan)

	for i := range b.defs {
		def := &b.defs[i]
		if !b.matcher.Matches(def.ComputationConditions, factData) {
			continue
		}

		var stages []wire.Document
		if len(def.EvaluationConditions) > 0 {
			stages = append(stages, wire.Document{"$match": def.EvaluationConditions})
		}
		group := make(wire.Document, len(def.Attributes)+1)
		for k, v := range def.Attributes {
			group[k] = v
		}
		group["_id"] = nil
		stages = append(stages, wire.Document{"$group": group})

		stages = substituteParams(stages, factData, now, b.log).([]wire.Document)

		byName := plan[def.IndexTypeName]
		if byName == nil {
			byName = make(map[string][]wire.Document)
			plan[def.IndexTypeName] = byName
		}
		byName[def.Name] = stages
	}
	return plan
}
