// Package coordinator executes counter plans: for each index type of the
// current fact it finds the relevant facts through the index collection and
// runs the per-counter pipelines as one facet aggregation, fanning the index
// types out concurrently through the dispatcher and merging the results into
// a single counter map.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SergeyGaydamakov/counters/internal/counter"
	"github.com/SergeyGaydamakov/counters/internal/dispatch"
	"github.com/SergeyGaydamakov/counters/internal/fact"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Mode selects where counter aggregations read their data from.
type Mode string

const (
	// ModeTwoStage looks fact ids up in the index collection, then runs the
	// facet aggregation over the facts collection.
	ModeTwoStage Mode = "two-stage"
	// ModeSingleStage runs one pipeline on the index collection; entries
	// embed the fact data.
	ModeSingleStage Mode = "single-stage"
)

const (
	defaultPerTypeLimit = 100
	maxDepthLimit       = 1000
)

// Runner is the slice of the dispatcher the coordinator depends on.
type Runner interface {
	ExecuteQueries(ctx context.Context, requests []wire.Query, opts dispatch.Options) (*dispatch.BatchResult, error)
}

// Config holds the coordinator's static settings.
type Config struct {
	Mode           Mode
	FactCollection string        // default "facts"
	DepthLimit     int           // hard cap on relevant facts per type, clamped to 1000
	QueryTimeout   time.Duration // per-aggregation timeout passed to the dispatcher
}

// Request describes one counter computation.
type Request struct {
	// Plan maps indexTypeName to its counters' pipelines.
	Plan counter.Plan
	// Entries are the current fact's index descriptors (type code + hash).
	Entries []fact.IndexEntry
	// CurrentFactID, when set, is excluded from the relevant-facts lookup.
	CurrentFactID string
	// DepthFromDate, when set, floors the lookup by entry date.
	DepthFromDate *time.Time
	// Debug captures the literal pipelines in the result.
	Debug bool
}

// TypeMetrics reports one index type's execution.
type TypeMetrics struct {
	IndexType          string `json:"indexType"`
	RelevantFactsCount int    `json:"relevantFactsCount"`
	LookupTimeMs       int64  `json:"lookupTime,omitempty"`
	AggregateTimeMs    int64  `json:"aggregateTime,omitempty"`
	ResultSize         int64  `json:"resultSize,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Metrics is the per-computation metrics block.
type Metrics struct {
	CounterIndexCount  int           `json:"counterIndexCount"`
	RelevantFactsCount int           `json:"relevantFactsCount"`
	Types              []TypeMetrics `json:"types"`
}

// Result is the outcome of one computation. Counters may be empty when every
// index type failed or found no relevant facts; Metrics says which.
type Result struct {
	Counters       map[string]wire.Document   `json:"counters"`
	ProcessingTime time.Duration              `json:"-"`
	Metrics        Metrics                    `json:"metrics"`
	Pipelines      map[string][]wire.Document `json:"pipelines,omitempty"`
}

// Coordinator fans counter computations out per index type.
type Coordinator struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
}

// New validates the configuration and builds a coordinator.
func New(cfg Config, runner Runner, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Mode {
	case ModeTwoStage, ModeSingleStage:
	case "":
		cfg.Mode = ModeTwoStage
	default:
		return nil, fmt.Errorf("coordinator: unknown mode %q", cfg.Mode)
	}
	if cfg.FactCollection == "" {
		cfg.FactCollection = "facts"
	}
	if cfg.DepthLimit <= 0 || cfg.DepthLimit > maxDepthLimit {
		cfg.DepthLimit = maxDepthLimit
	}
	return &Coordinator{cfg: cfg, runner: runner, log: log}, nil
}

// typeOutcome is one index type's contribution, gathered before the merge.
type typeOutcome struct {
	typeName  string
	counters  wire.Document
	metrics   TypeMetrics
	pipelines []wire.Document
}

// Compute runs the plan for one fact. Index types fail independently: an
// error for one type yields an error entry in the metrics block and does not
// stop the others.
func (c *Coordinator) Compute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	// Only entries that have counters bound to their type participate.
	var work []fact.IndexEntry
	for _, e := range req.Entries {
		if len(req.Plan[e.TypeName]) > 0 {
			work = append(work, e)
		}
	}

	outcomes := make([]*typeOutcome, len(work))
	g, gctx := errgroup.WithContext(ctx)
	for i := range work {
		i := i
		entry := work[i]
		g.Go(func() error {
			outcomes[i] = c.computeType(gctx, req, &entry)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Counters: make(map[string]wire.Document),
		Metrics: Metrics{
			CounterIndexCount: len(outcomes),
			Types:             make([]TypeMetrics, 0, len(outcomes)),
		},
	}
	if req.Debug {
		res.Pipelines = make(map[string][]wire.Document)
	}

	for _, out := range outcomes {
		res.Metrics.Types = append(res.Metrics.Types, out.metrics)
		res.Metrics.RelevantFactsCount += out.metrics.RelevantFactsCount
		if req.Debug && len(out.pipelines) > 0 {
			res.Pipelines[out.typeName] = out.pipelines
		}
		for name, value := range out.counters {
			if _, exists := res.Counters[name]; exists {
				c.log.Warn("counter name collision across index types",
					"counter", name, "indexType", out.typeName)
			}
			doc, ok := value.(wire.Document)
			if !ok {
				if value == nil {
					continue
				}
				doc = wire.Document{"value": value}
			}
			res.Counters[name] = doc
		}
	}

	res.ProcessingTime = time.Since(start)
	return res, nil
}

// computeType runs one index type end to end and never returns an error:
// failures land in the outcome's metrics.
func (c *Coordinator) computeType(ctx context.Context, req *Request, entry *fact.IndexEntry) *typeOutcome {
	out := &typeOutcome{
		typeName: entry.TypeName,
		metrics:  TypeMetrics{IndexType: entry.TypeName},
	}

	switch c.cfg.Mode {
	case ModeSingleStage:
		c.runSingleStage(ctx, req, entry, out)
	default:
		c.runTwoStage(ctx, req, entry, out)
	}
	return out
}

func (c *Coordinator) runTwoStage(ctx context.Context, req *Request, entry *fact.IndexEntry, out *typeOutcome) {
	lookup := c.lookupPipeline(req, entry)
	if req.Debug {
		out.pipelines = append(out.pipelines, wire.Document{"lookup": lookup})
	}

	rows, metrics, err := c.runOne(ctx, entry.CollectionName(), lookup)
	out.metrics.LookupTimeMs = metrics.QueryTimeMs
	if err != nil {
		out.metrics.Error = err.Error()
		c.log.Warn("relevant-facts lookup failed", "indexType", entry.TypeName, "error", err)
		return
	}

	factIDs := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["f"]; ok {
			factIDs = append(factIDs, id)
		}
	}
	out.metrics.RelevantFactsCount = len(factIDs)
	if len(factIDs) == 0 {
		return
	}

	pipeline := c.facetPipeline(
		wire.Document{"_id": wire.Document{"$in": factIDs}},
		req.Plan[entry.TypeName],
	)
	if req.Debug {
		out.pipelines = append(out.pipelines, wire.Document{"aggregate": pipeline})
	}

	rows, metrics, err = c.runOne(ctx, c.cfg.FactCollection, pipeline)
	out.metrics.AggregateTimeMs = metrics.QueryTimeMs
	out.metrics.ResultSize = metrics.ResultSize
	if err != nil {
		out.metrics.Error = err.Error()
		c.log.Warn("counter aggregation failed", "indexType", entry.TypeName, "error", err)
		return
	}
	if len(rows) > 0 {
		out.counters = rows[0]
	}
}

func (c *Coordinator) runSingleStage(ctx context.Context, req *Request, entry *fact.IndexEntry, out *typeOutcome) {
	pipeline := c.lookupMatchStages(req, entry)
	pipeline = append(pipeline, c.facetStages(req.Plan[entry.TypeName])...)
	if req.Debug {
		out.pipelines = append(out.pipelines, wire.Document{"aggregate": pipeline})
	}

	rows, metrics, err := c.runOne(ctx, entry.CollectionName(), pipeline)
	out.metrics.AggregateTimeMs = metrics.QueryTimeMs
	out.metrics.ResultSize = metrics.ResultSize
	if err != nil {
		out.metrics.Error = err.Error()
		c.log.Warn("single-stage counter aggregation failed", "indexType", entry.TypeName, "error", err)
		return
	}
	if len(rows) > 0 {
		out.counters = rows[0]
	}
}

// lookupPipeline is the two-stage relevant-facts query: match, sort, project
// fact id only, limit.
func (c *Coordinator) lookupPipeline(req *Request, entry *fact.IndexEntry) []wire.Document {
	stages := c.lookupMatchStages(req, entry)
	return append(stages, wire.Document{"$project": wire.Document{"f": 1}})
}

// lookupMatchStages builds the match, sort and limit stages shared by both
// modes.
func (c *Coordinator) lookupMatchStages(req *Request, entry *fact.IndexEntry) []wire.Document {
	match := wire.Document{"h": entry.Hash}
	if req.DepthFromDate != nil {
		match["dt"] = wire.Document{"$gte": *req.DepthFromDate}
	}
	if req.CurrentFactID != "" {
		match["f"] = wire.Document{"$ne": req.CurrentFactID}
	}
	return []wire.Document{
		{"$match": match},
		{"$sort": wire.Document{"h": 1, "dt": -1}},
		{"$limit": c.typeLimit(entry)},
	}
}

// typeLimit is min(perTypeLimit or 100, depthLimit).
func (c *Coordinator) typeLimit(entry *fact.IndexEntry) int {
	limit := entry.Limit
	if limit <= 0 {
		limit = defaultPerTypeLimit
	}
	if limit > c.cfg.DepthLimit {
		limit = c.cfg.DepthLimit
	}
	return limit
}

// facetPipeline prepends a match stage to the facet stages.
func (c *Coordinator) facetPipeline(match wire.Document, counters map[string][]wire.Document) []wire.Document {
	stages := []wire.Document{{"$match": match}}
	return append(stages, c.facetStages(counters)...)
}

// facetStages runs every counter pipeline of the type as one facet branch,
// then unwraps each branch to its single group document.
func (c *Coordinator) facetStages(counters map[string][]wire.Document) []wire.Document {
	facet := make(wire.Document, len(counters))
	project := make(wire.Document, len(counters))
	for name, stages := range counters {
		facet[name] = stages
		project[name] = wire.Document{"$arrayElemAt": []interface{}{"$" + name, 0}}
	}
	return []wire.Document{
		{"$facet": facet},
		{"$project": project},
	}
}

// runOne executes a single pipeline through the dispatcher.
func (c *Coordinator) runOne(ctx context.Context, collection string, pipeline []wire.Document) ([]wire.Document, wire.QueryMetrics, error) {
	batch, err := c.runner.ExecuteQueries(ctx,
		[]wire.Query{{
			Type:           wire.TypeQuery,
			CollectionName: collection,
			Pipeline:       pipeline,
		}},
		dispatch.Options{Timeout: c.cfg.QueryTimeout},
	)
	if err != nil {
		return nil, wire.QueryMetrics{}, err
	}
	if len(batch.Results) != 1 {
		return nil, wire.QueryMetrics{}, fmt.Errorf("coordinator: expected 1 result, got %d", len(batch.Results))
	}
	res := batch.Results[0]
	if res.Err != nil {
		return nil, res.Metrics, res.Err
	}
	return res.Rows, res.Metrics, nil
}
