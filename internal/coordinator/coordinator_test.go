package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SergeyGaydamakov/counters/internal/counter"
	"github.com/SergeyGaydamakov/counters/internal/dispatch"
	"github.com/SergeyGaydamakov/counters/internal/fact"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// fakeRunner answers ExecuteQueries from canned per-collection responses and
// records every request.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]wire.Document
	errors    map[string]error
	requests  []wire.Query
}

func (f *fakeRunner) ExecuteQueries(_ context.Context, requests []wire.Query, _ dispatch.Options) (*dispatch.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, requests...)

	out := &dispatch.BatchResult{}
	for _, req := range requests {
		res := wire.Result{Type: wire.TypeResult, ID: req.ID}
		if err, ok := f.errors[req.CollectionName]; ok {
			res.Err = &wire.ResultError{Name: "WorkerError", Message: err.Error()}
		} else {
			res.Rows = f.responses[req.CollectionName]
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

func (f *fakeRunner) requestsFor(collection string) []wire.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Query
	for _, r := range f.requests {
		if r.CollectionName == collection {
			out = append(out, r)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, cfg Config, runner Runner) *Coordinator {
	t.Helper()
	c, err := New(cfg, runner, testLogger())
	require.NoError(t, err)
	return c
}

func planOf(typeName string, counters map[string][]wire.Document) counter.Plan {
	return counter.Plan{typeName: counters}
}

func userEntry() fact.IndexEntry {
	return fact.IndexEntry{
		TypeName:   "byUser",
		Code:       1,
		Hash:       "abc123",
		FactID:     "fCurrent",
		Collection: "index_1",
	}
}

func TestTwoStageHappyPath(t *testing.T) {
	runner := &fakeRunner{
		responses: map[string][]wire.Document{
			"index_1": {{"f": "f1"}, {"f": "f2"}, {"f": "f3"}},
			"facts": {{
				"totalCount": wire.Document{"_id": nil, "count": float64(3)},
				"sumA":       wire.Document{"_id": nil, "sum": float64(920)},
			}},
		},
	}
	c := newTestCoordinator(t, Config{Mode: ModeTwoStage}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan: planOf("byUser", map[string][]wire.Document{
			"totalCount": {{"$group": wire.Document{"_id": nil, "count": wire.Document{"$sum": 1}}}},
			"sumA":       {{"$group": wire.Document{"_id": nil, "sum": wire.Document{"$sum": "$d.amount"}}}},
		}),
		Entries:       []fact.IndexEntry{userEntry()},
		CurrentFactID: "fCurrent",
	})
	require.NoError(t, err)

	require.Equal(t, float64(3), res.Counters["totalCount"]["count"])
	require.Equal(t, float64(920), res.Counters["sumA"]["sum"])
	require.Equal(t, 1, res.Metrics.CounterIndexCount)
	require.Equal(t, 3, res.Metrics.RelevantFactsCount)
	require.Len(t, res.Metrics.Types, 1)
	require.Empty(t, res.Metrics.Types[0].Error)
}

func TestTwoStageLookupPipelineShape(t *testing.T) {
	runner := &fakeRunner{responses: map[string][]wire.Document{}}
	c := newTestCoordinator(t, Config{Mode: ModeTwoStage, DepthLimit: 50}, runner)

	floor := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.Compute(context.Background(), &Request{
		Plan: planOf("byUser", map[string][]wire.Document{
			"c1": {{"$group": wire.Document{"_id": nil}}},
		}),
		Entries:       []fact.IndexEntry{userEntry()},
		CurrentFactID: "fCurrent",
		DepthFromDate: &floor,
	})
	require.NoError(t, err)

	lookups := runner.requestsFor("index_1")
	require.Len(t, lookups, 1)
	p := lookups[0].Pipeline
	require.Len(t, p, 4)

	match := p[0]["$match"].(wire.Document)
	require.Equal(t, "abc123", match["h"])
	require.Equal(t, wire.Document{"$gte": floor}, match["dt"])
	require.Equal(t, wire.Document{"$ne": "fCurrent"}, match["f"])

	require.Equal(t, wire.Document{"h": 1, "dt": -1}, p[1]["$sort"])
	// Default per-type limit 100 clamped by depth limit 50.
	require.Equal(t, 50, p[2]["$limit"])
	require.Equal(t, wire.Document{"f": 1}, p[3]["$project"])
}

func TestTwoStageFacetPipelineShape(t *testing.T) {
	runner := &fakeRunner{
		responses: map[string][]wire.Document{
			"index_1": {{"f": "f1"}, {"f": "f2"}},
			"facts":   {{"c1": wire.Document{"_id": nil, "n": float64(2)}}},
		},
	}
	c := newTestCoordinator(t, Config{}, runner)

	stages := []wire.Document{{"$group": wire.Document{"_id": nil, "n": wire.Document{"$sum": 1}}}}
	_, err := c.Compute(context.Background(), &Request{
		Plan:    planOf("byUser", map[string][]wire.Document{"c1": stages}),
		Entries: []fact.IndexEntry{userEntry()},
	})
	require.NoError(t, err)

	facets := runner.requestsFor("facts")
	require.Len(t, facets, 1)
	p := facets[0].Pipeline
	require.Len(t, p, 3)

	match := p[0]["$match"].(wire.Document)
	in := match["_id"].(wire.Document)["$in"].([]interface{})
	require.ElementsMatch(t, []interface{}{"f1", "f2"}, in)

	facet := p[1]["$facet"].(wire.Document)
	require.Equal(t, stages, facet["c1"])

	project := p[2]["$project"].(wire.Document)
	require.Equal(t, wire.Document{"$arrayElemAt": []interface{}{"$c1", 0}}, project["c1"])
}

func TestTwoStageNoRelevantFacts(t *testing.T) {
	runner := &fakeRunner{responses: map[string][]wire.Document{"index_1": {}}}
	c := newTestCoordinator(t, Config{}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan: planOf("byUser", map[string][]wire.Document{
			"c1": {{"$group": wire.Document{"_id": nil}}},
		}),
		Entries: []fact.IndexEntry{userEntry()},
	})
	require.NoError(t, err)

	require.Empty(t, res.Counters)
	require.Equal(t, 0, res.Metrics.RelevantFactsCount)
	// The facet stage must not run when the lookup comes back empty.
	require.Empty(t, runner.requestsFor("facts"))
}

func TestPerTypeErrorIsolation(t *testing.T) {
	runner := &fakeRunner{
		responses: map[string][]wire.Document{
			"index_2": {{"f": "f9"}},
			"facts":   {{"okCounter": wire.Document{"_id": nil, "n": float64(1)}}},
		},
		errors: map[string]error{"index_1": errors.New("network timeout")},
	}
	c := newTestCoordinator(t, Config{}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan: counter.Plan{
			"byUser":     {"badCounter": {{"$group": wire.Document{"_id": nil}}}},
			"byMerchant": {"okCounter": {{"$group": wire.Document{"_id": nil}}}},
		},
		Entries: []fact.IndexEntry{
			{TypeName: "byUser", Code: 1, Hash: "h1", Collection: "index_1"},
			{TypeName: "byMerchant", Code: 2, Hash: "h2", Collection: "index_2"},
		},
	})
	require.NoError(t, err)

	require.Contains(t, res.Counters, "okCounter")
	require.NotContains(t, res.Counters, "badCounter")

	byType := make(map[string]TypeMetrics)
	for _, tm := range res.Metrics.Types {
		byType[tm.IndexType] = tm
	}
	require.Contains(t, byType["byUser"].Error, "network timeout")
	require.Empty(t, byType["byMerchant"].Error)
}

func TestSingleStageMode(t *testing.T) {
	runner := &fakeRunner{
		responses: map[string][]wire.Document{
			"index_1": {{"c1": wire.Document{"_id": nil, "n": float64(7)}}},
		},
	}
	c := newTestCoordinator(t, Config{Mode: ModeSingleStage}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan: planOf("byUser", map[string][]wire.Document{
			"c1": {{"$group": wire.Document{"_id": nil, "n": wire.Document{"$sum": 1}}}},
		}),
		Entries: []fact.IndexEntry{userEntry()},
	})
	require.NoError(t, err)

	require.Equal(t, float64(7), res.Counters["c1"]["n"])

	// One pipeline only, on the index collection: match, sort, limit, facet,
	// project.
	require.Empty(t, runner.requestsFor("facts"))
	reqs := runner.requestsFor("index_1")
	require.Len(t, reqs, 1)
	p := reqs[0].Pipeline
	require.Len(t, p, 5)
	require.Contains(t, p[0], "$match")
	require.Contains(t, p[3], "$facet")
	require.Contains(t, p[4], "$project")
}

func TestCollisionLastWriteWins(t *testing.T) {
	runner := &fakeRunner{
		responses: map[string][]wire.Document{
			"index_1": {{"f": "f1"}},
			"index_2": {{"f": "f2"}},
			"facts":   {{"shared": wire.Document{"_id": nil, "n": float64(1)}}},
		},
	}
	c := newTestCoordinator(t, Config{}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan: counter.Plan{
			"byUser":     {"shared": {{"$group": wire.Document{"_id": nil}}}},
			"byMerchant": {"shared": {{"$group": wire.Document{"_id": nil}}}},
		},
		Entries: []fact.IndexEntry{
			{TypeName: "byUser", Code: 1, Hash: "h1", Collection: "index_1"},
			{TypeName: "byMerchant", Code: 2, Hash: "h2", Collection: "index_2"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Counters, 1)
	require.Contains(t, res.Counters, "shared")
}

func TestEntriesWithoutCountersSkipped(t *testing.T) {
	runner := &fakeRunner{responses: map[string][]wire.Document{}}
	c := newTestCoordinator(t, Config{}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan:    counter.Plan{},
		Entries: []fact.IndexEntry{userEntry()},
	})
	require.NoError(t, err)
	require.Empty(t, res.Counters)
	require.Empty(t, runner.requests)
}

func TestDebugCapturesPipelines(t *testing.T) {
	runner := &fakeRunner{
		responses: map[string][]wire.Document{
			"index_1": {{"f": "f1"}},
			"facts":   {{"c1": wire.Document{"_id": nil}}},
		},
	}
	c := newTestCoordinator(t, Config{}, runner)

	res, err := c.Compute(context.Background(), &Request{
		Plan: planOf("byUser", map[string][]wire.Document{
			"c1": {{"$group": wire.Document{"_id": nil}}},
		}),
		Entries: []fact.IndexEntry{userEntry()},
		Debug:   true,
	})
	require.NoError(t, err)

	require.Contains(t, res.Pipelines, "byUser")
	// Two captured pipelines in two-stage mode: lookup and aggregate.
	require.Len(t, res.Pipelines["byUser"], 2)
}

func TestPerTypeLimitOverride(t *testing.T) {
	runner := &fakeRunner{responses: map[string][]wire.Document{}}
	c := newTestCoordinator(t, Config{DepthLimit: 1000}, runner)

	entry := userEntry()
	entry.Limit = 25
	_, err := c.Compute(context.Background(), &Request{
		Plan: planOf("byUser", map[string][]wire.Document{
			"c1": {{"$group": wire.Document{"_id": nil}}},
		}),
		Entries: []fact.IndexEntry{entry},
	})
	require.NoError(t, err)

	p := runner.requestsFor("index_1")[0].Pipeline
	require.Equal(t, 25, p[2]["$limit"])
}
