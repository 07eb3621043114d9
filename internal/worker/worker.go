// Package worker implements the child process that executes aggregation
// pipelines on behalf of the pool manager.
//
// A worker speaks the wire protocol over stdin/stdout: it waits for an init
// frame, opens its own database client, answers query and query batch frames
// with results plus timing metrics, and exits on shutdown. Any failure to
// initialize is reported as an error frame followed by a non-zero exit, so
// the parent can detect and replace the process.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/debug"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Database is the minimal client surface a worker needs. The production
// implementation wraps the MongoDB driver; tests substitute an in-memory fake.
type Database interface {
	// Aggregate runs the pipeline against the named collection and returns
	// all result documents.
	Aggregate(ctx context.Context, collection string, pipeline []wire.Document, opts wire.Document) ([]wire.Document, error)

	// Close releases the client and its connection pool.
	Close(ctx context.Context) error
}

// OpenFunc opens a database client from the init parameters.
type OpenFunc func(ctx context.Context, init *wire.Init) (Database, error)

// Runner is the worker main loop. It owns one Database for its lifetime.
type Runner struct {
	dec  *wire.Decoder
	enc  *wire.Encoder
	open OpenFunc
	log  *slog.Logger

	db Database
}

// NewRunner wires a runner to its interprocess channel. The open function is
// invoked once, when the init frame arrives.
func NewRunner(in io.Reader, out io.Writer, open OpenFunc, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		dec:  wire.NewDecoder(in),
		enc:  wire.NewEncoder(out),
		open: open,
		log:  log,
	}
}

// Run processes frames until shutdown or channel close. It returns nil on a
// clean shutdown and an error when initialization fails or the channel breaks;
// the caller maps a non-nil return to a non-zero exit status.
func (r *Runner) Run(ctx context.Context) error {
	defer r.closeDB(ctx)

	for {
		msg, err := r.dec.Decode()
		if err == io.EOF {
			// Parent closed the pipe; treat like shutdown.
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker: decode: %w", err)
		}

		switch m := msg.(type) {
		case *wire.Init:
			if err := r.handleInit(ctx, m); err != nil {
				_ = r.enc.Encode(&wire.Error{Type: wire.TypeError, Message: err.Error()})
				return err
			}
			if err := r.enc.Encode(wire.NewReady()); err != nil {
				return fmt.Errorf("worker: send ready: %w", err)
			}

		case *wire.Query:
			res := r.runQuery(ctx, m)
			if err := r.enc.Encode(res); err != nil {
				return fmt.Errorf("worker: send result: %w", err)
			}

		case *wire.QueryBatch:
			results := make([]wire.Result, 0, len(m.Requests))
			for i := range m.Requests {
				results = append(results, *r.runQuery(ctx, &m.Requests[i]))
			}
			batch := &wire.ResultBatch{Type: wire.TypeResultBatch, BatchID: m.BatchID, Results: results}
			if err := r.enc.Encode(batch); err != nil {
				return fmt.Errorf("worker: send result batch: %w", err)
			}

		case *wire.Shutdown:
			r.log.Info("worker shutting down")
			return nil

		default:
			r.log.Warn("worker received unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (r *Runner) handleInit(ctx context.Context, init *wire.Init) error {
	if r.db != nil {
		return fmt.Errorf("worker: duplicate init")
	}
	db, err := r.open(ctx, init)
	if err != nil {
		return fmt.Errorf("worker: init: %w", err)
	}
	r.db = db
	r.log.Info("worker initialized", "database", init.DatabaseName)
	return nil
}

// runQuery executes one aggregation and never returns a transport error:
// database failures become result-level errors so the parent can resolve the
// pending entry for this id.
func (r *Runner) runQuery(ctx context.Context, q *wire.Query) *wire.Result {
	res := &wire.Result{Type: wire.TypeResult, ID: q.ID}
	if r.db == nil {
		res.Err = resultError(fmt.Errorf("worker: query before init"))
		return res
	}

	pipeline := materializePipeline(q.Pipeline)
	start := time.Now()
	rows, err := r.db.Aggregate(ctx, q.CollectionName, pipeline, q.Options)
	res.Metrics.QueryTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		res.Err = resultError(err)
		debug.Logf("query %s failed: %v", q.ID, err)
		return res
	}

	// A successful query always carries a non-null result, even when the
	// pipeline matched nothing.
	if rows == nil {
		rows = []wire.Document{}
	}
	res.Rows = wire.SerializeDates(rows).([]wire.Document)
	if debug.Enabled() {
		res.Metrics.QuerySize = jsonSize(pipeline)
		res.Metrics.ResultSize = jsonSize(res.Rows)
	}
	return res
}

func (r *Runner) closeDB(ctx context.Context) {
	if r.db == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.Close(closeCtx); err != nil {
		r.log.Warn("worker database close failed", "error", err)
	}
	r.db = nil
}

// materializePipeline converts ISO date strings the parent serialized back
// into time values before the pipeline reaches the driver.
func materializePipeline(stages []wire.Document) []wire.Document {
	out := make([]wire.Document, len(stages))
	for i, s := range stages {
		out[i] = wire.MaterializeDates(s).(wire.Document)
	}
	return out
}

func resultError(err error) *wire.ResultError {
	return &wire.ResultError{Name: "WorkerError", Message: err.Error()}
}

func jsonSize(v interface{}) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
