package counter

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

func quietBuilder(defs []Definition) *Builder {
	return NewBuilder(defs, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildSelectsMatchingDefinitions(t *testing.T) {
	defs := []Definition{
		{
			Name:                  "total",
			IndexTypeName:         "T1",
			ComputationConditions: wire.Document{"kind": "payment"},
			Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
		},
		{
			Name:                  "refunds",
			IndexTypeName:         "T1",
			ComputationConditions: wire.Document{"kind": "refund"},
			Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
		},
	}
	plan := quietBuilder(defs).Build(wire.Document{"kind": "payment"})

	require.Len(t, plan, 1)
	require.Contains(t, plan, "T1")
	require.Len(t, plan["T1"], 1)
	require.Contains(t, plan["T1"], "total")
}

func TestBuildGroupStageForcesNullID(t *testing.T) {
	defs := []Definition{{
		Name:                  "total",
		IndexTypeName:         "T1",
		ComputationConditions: wire.Document{},
		Attributes: wire.Document{
			"_id":   "$userId", // must be overridden
			"count": map[string]interface{}{"$sum": 1},
		},
	}}
	plan := quietBuilder(defs).Build(wire.Document{})

	stages := plan["T1"]["total"]
	require.Len(t, stages, 1)
	group := stages[0]["$group"].(map[string]interface{})
	require.Nil(t, group["_id"])
	require.Contains(t, group, "count")
}

func TestBuildPrependsEvaluationConditions(t *testing.T) {
	defs := []Definition{{
		Name:                  "recent",
		IndexTypeName:         "T1",
		ComputationConditions: wire.Document{},
		EvaluationConditions:  wire.Document{"d.state": "open"},
		Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
	}}
	plan := quietBuilder(defs).Build(wire.Document{})

	stages := plan["T1"]["recent"]
	require.Len(t, stages, 2)
	require.Equal(t, wire.Document{"d.state": "open"},
		wire.Document(stages[0]["$match"].(map[string]interface{})))
	require.Contains(t, stages[1], "$group")
}

// Scenario from the end-to-end suite: a $match carrying "$$userId" against a
// fact with data.userId = "u42".
func TestBuildSubstitutesParameters(t *testing.T) {
	defs := []Definition{{
		Name:                  "byUser",
		IndexTypeName:         "T1",
		ComputationConditions: wire.Document{},
		EvaluationConditions:  wire.Document{"userId": "$$userId"},
		Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
		Variables:             []string{"userId"},
	}}
	plan := quietBuilder(defs).Build(wire.Document{"userId": "u42"})

	match := plan["T1"]["byUser"][0]["$match"].(map[string]interface{})
	require.Equal(t, "u42", match["userId"])
}

func TestBuildSubstitutesNowOncePerPlan(t *testing.T) {
	defs := []Definition{
		{
			Name:                  "a",
			IndexTypeName:         "T1",
			ComputationConditions: wire.Document{},
			EvaluationConditions:  wire.Document{"dt": map[string]interface{}{"$lt": "$$NOW"}},
			Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
		},
		{
			Name:                  "b",
			IndexTypeName:         "T2",
			ComputationConditions: wire.Document{},
			EvaluationConditions:  wire.Document{"dt": map[string]interface{}{"$lt": "$$NOW"}},
			Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
		},
	}
	b := quietBuilder(defs)

	before := time.Now().UTC()
	plan := b.Build(wire.Document{})
	after := time.Now().UTC()

	nowA := plan["T1"]["a"][0]["$match"].(map[string]interface{})["dt"].(map[string]interface{})["$lt"].(time.Time)
	nowB := plan["T2"]["b"][0]["$match"].(map[string]interface{})["dt"].(map[string]interface{})["$lt"].(time.Time)

	require.Equal(t, nowA, nowB, "all $$NOW expansions of one plan share a single timestamp")
	require.False(t, nowA.Before(before.Truncate(time.Second)))
	require.False(t, nowA.After(after.Add(time.Second)))
}

func TestBuildKeepsUnresolvedParameter(t *testing.T) {
	defs := []Definition{{
		Name:                  "c",
		IndexTypeName:         "T1",
		ComputationConditions: wire.Document{},
		EvaluationConditions:  wire.Document{"userId": "$$missing"},
		Attributes:            wire.Document{"count": map[string]interface{}{"$sum": 1}},
	}}
	plan := quietBuilder(defs).Build(wire.Document{})

	match := plan["T1"]["c"][0]["$match"].(map[string]interface{})
	require.Equal(t, "$$missing", match["userId"])
}

func TestBuildDoesNotMutateDefinitions(t *testing.T) {
	attrs := wire.Document{"count": map[string]interface{}{"$sum": 1}}
	eval := wire.Document{"userId": "$$userId"}
	defs := []Definition{{
		Name:                  "d",
		IndexTypeName:         "T1",
		ComputationConditions: wire.Document{},
		EvaluationConditions:  eval,
		Attributes:            attrs,
	}}
	b := quietBuilder(defs)
	b.Build(wire.Document{"userId": "u1"})
	b.Build(wire.Document{"userId": "u2"})

	require.Equal(t, "$$userId", eval["userId"], "definitions are immutable inputs")
	require.NotContains(t, attrs, "_id")
}

func TestValidateAll(t *testing.T) {
	valid := Definition{
		Name:                  "n",
		IndexTypeName:         "T",
		ComputationConditions: wire.Document{},
		Attributes:            wire.Document{"c": 1},
	}

	require.NoError(t, ValidateAll([]Definition{valid}))

	missingName := valid
	missingName.Name = ""
	require.Error(t, ValidateAll([]Definition{missingName}))

	missingAttrs := valid
	missingAttrs.Attributes = nil
	require.Error(t, ValidateAll([]Definition{missingAttrs}))

	badVars := valid
	badVars.Variables = []string{"ok", ""}
	require.Error(t, ValidateAll([]Definition{badVars}))

	require.Error(t, ValidateAll([]Definition{valid, valid}), "duplicate name in one index type")

	otherType := valid
	otherType.IndexTypeName = "T2"
	require.NoError(t, ValidateAll([]Definition{valid, otherType}), "same name in different index types is allowed")
}
