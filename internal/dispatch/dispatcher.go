// Package dispatch provides the query dispatcher: it validates aggregation
// requests, spreads them in contiguous chunks across the pool's ready
// workers, enforces per-request timeouts, preserves input order, and keeps
// rolling metrics for the whole dispatcher lifetime.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/SergeyGaydamakov/counters/internal/pool"
	"github.com/SergeyGaydamakov/counters/internal/telemetry"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

const defaultMaxConcurrency = 4

// Executor is the slice of the pool manager the dispatcher depends on.
type Executor interface {
	ReadyWorkers() []*pool.Worker
	NextReadyWorker() (*pool.Worker, error)
	ExecuteBatchOnWorker(ctx context.Context, w *pool.Worker, requests []wire.Query, timeout time.Duration) ([]wire.Result, error)
}

// Options tune one ExecuteQueries call.
type Options struct {
	// Timeout applies end-to-end per request, from enqueue to completion.
	Timeout time.Duration
	// MaxConcurrency caps the number of parallel batches.
	MaxConcurrency int
}

// Summary aggregates counts and totals for one ExecuteQueries call.
type Summary struct {
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	QueryTimeMs int64         `json:"queryTime"`
	QuerySize   int64         `json:"querySize"`
	ResultSize  int64         `json:"resultSize"`
	Elapsed     time.Duration `json:"-"`
	WorkersUsed int           `json:"workersUsed"`
	BatchCount  int           `json:"batchCount"`
}

// BatchResult is the outcome of one ExecuteQueries call. Results are aligned
// to the input requests.
type BatchResult struct {
	Results []wire.Result `json:"results"`
	Summary Summary       `json:"summary"`
}

// Dispatcher fans query sets out over the pool.
type Dispatcher struct {
	exec    Executor
	log     *slog.Logger
	metrics *Metrics

	queries  metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Dispatcher over an executor (normally the pool manager).
func New(exec Executor, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	meter := telemetry.Meter("dispatch")
	queries, _ := meter.Int64Counter("counters.dispatch.queries",
		metric.WithDescription("Queries dispatched to the worker pool"))
	duration, _ := meter.Float64Histogram("counters.dispatch.duration",
		metric.WithDescription("End-to-end query latency in milliseconds"),
		metric.WithUnit("ms"))
	return &Dispatcher{
		exec:     exec,
		log:      log,
		metrics:  newMetrics(),
		queries:  queries,
		duration: duration,
	}
}

// Metrics returns the dispatcher's rolling totals.
func (d *Dispatcher) Metrics() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// ExecuteQueries distributes requests across the ready workers and returns
// per-request results in input order. A failing request never prevents its
// peers from completing: errors come back as populated Err fields, and the
// call returns a BatchResult even on partial failure.
func (d *Dispatcher) ExecuteQueries(ctx context.Context, requests []wire.Query, opts Options) (*BatchResult, error) {
	start := time.Now()
	if len(requests) == 0 {
		return &BatchResult{}, nil
	}

	normalized := make([]wire.Query, len(requests))
	for i := range requests {
		q := requests[i]
		if q.CollectionName == "" {
			err := fmt.Errorf("dispatch: request %d: empty collection name", i)
			d.metrics.RecordError(err)
			return nil, err
		}
		if q.Pipeline == nil {
			err := fmt.Errorf("dispatch: request %d (%s): pipeline must be an array", i, q.CollectionName)
			d.metrics.RecordError(err)
			return nil, err
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.Type = wire.TypeQuery
		normalized[i] = q
	}

	workers := d.exec.ReadyWorkers()
	if len(workers) == 0 {
		d.metrics.RecordError(pool.ErrNoReadyWorkers)
		return nil, pool.ErrNoReadyWorkers
	}

	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrency
	}
	conc := len(workers)
	if maxConc < conc {
		conc = maxConc
	}
	if len(normalized) < conc {
		conc = len(normalized)
	}
	if conc < 1 {
		conc = 1
	}
	chunkSize := (len(normalized) + conc - 1) / conc

	results := make([]wire.Result, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	batches := 0
	for chunk := 0; chunk*chunkSize < len(normalized); chunk++ {
		lo := chunk * chunkSize
		hi := lo + chunkSize
		if hi > len(normalized) {
			hi = len(normalized)
		}
		reqs := normalized[lo:hi]
		out := results[lo:hi]
		batches++

		// The pool's round-robin cursor assigns the worker, so consecutive
		// calls keep advancing across workers instead of restarting at the
		// front of the ready snapshot.
		w, err := d.exec.NextReadyWorker()
		if err != nil {
			werr := &wire.ResultError{Name: "DispatchError", Message: err.Error()}
			for i := range reqs {
				out[i] = wire.Result{Type: wire.TypeResult, ID: reqs[i].ID, Err: werr}
			}
			continue
		}
		g.Go(func() error {
			res, err := d.exec.ExecuteBatchOnWorker(gctx, w, reqs, opts.Timeout)
			if err != nil {
				// Batch-level failure stays local to this chunk.
				werr := &wire.ResultError{Name: "DispatchError", Message: err.Error()}
				for i := range reqs {
					out[i] = wire.Result{Type: wire.TypeResult, ID: reqs[i].ID, Err: werr}
				}
				return nil
			}
			copy(out, res)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Total:       len(normalized),
		Elapsed:     time.Since(start),
		WorkersUsed: len(workers),
		BatchCount:  batches,
	}
	for i := range results {
		r := &results[i]
		summary.QueryTimeMs += r.Metrics.QueryTimeMs
		summary.QuerySize += r.Metrics.QuerySize
		summary.ResultSize += r.Metrics.ResultSize
		if r.Err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}

	d.metrics.record(summary)
	d.queries.Add(ctx, int64(summary.Total))
	d.duration.Record(ctx, float64(summary.Elapsed.Milliseconds()))
	if summary.Failed > 0 {
		d.log.Debug("dispatch: batch finished with failures",
			"total", summary.Total, "failed", summary.Failed, "elapsed", summary.Elapsed)
	}

	return &BatchResult{Results: results, Summary: summary}, nil
}
