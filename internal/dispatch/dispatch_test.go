package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SergeyGaydamakov/counters/internal/pool"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// fakeExec simulates the pool manager: a fixed ready-worker set, a
// round-robin cursor and a per-batch responder.
type fakeExec struct {
	mu      sync.Mutex
	workers []*pool.Worker
	cursor  int
	batches []batchCall

	// failFor makes batches addressed to a worker fail at the batch level.
	failFor map[*pool.Worker]error
	// queryTimeMs stamps every result's metrics.
	queryTimeMs int64
}

type batchCall struct {
	worker   *pool.Worker
	requests []wire.Query
}

func newFakeExec(workerCount int) *fakeExec {
	f := &fakeExec{failFor: make(map[*pool.Worker]error)}
	for i := 0; i < workerCount; i++ {
		f.workers = append(f.workers, &pool.Worker{})
	}
	return f
}

func (f *fakeExec) ReadyWorkers() []*pool.Worker {
	return append([]*pool.Worker(nil), f.workers...)
}

func (f *fakeExec) NextReadyWorker() (*pool.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.workers) == 0 {
		return nil, pool.ErrNoReadyWorkers
	}
	w := f.workers[f.cursor%len(f.workers)]
	f.cursor++
	return w, nil
}

func (f *fakeExec) ExecuteBatchOnWorker(_ context.Context, w *pool.Worker, requests []wire.Query, _ time.Duration) ([]wire.Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batchCall{worker: w, requests: requests})
	f.mu.Unlock()

	if err := f.failFor[w]; err != nil {
		return nil, err
	}
	results := make([]wire.Result, len(requests))
	for i, q := range requests {
		results[i] = wire.Result{
			Type:    wire.TypeResult,
			ID:      q.ID,
			Rows:    []wire.Document{{"id": q.ID}},
			Metrics: wire.QueryMetrics{QueryTimeMs: f.queryTimeMs},
		}
	}
	return results, nil
}

func (f *fakeExec) calls() []batchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batchCall(nil), f.batches...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requestsOf(n int) []wire.Query {
	out := make([]wire.Query, n)
	for i := range out {
		out[i] = wire.Query{
			ID:             fmt.Sprintf("q%02d", i),
			CollectionName: "facts",
			Pipeline:       []wire.Document{{"$match": wire.Document{}}},
		}
	}
	return out
}

func TestExecuteQueriesEmptyInput(t *testing.T) {
	d := New(newFakeExec(2), testLogger())
	res, err := d.ExecuteQueries(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.Empty(t, res.Results)
}

func TestExecuteQueriesValidation(t *testing.T) {
	d := New(newFakeExec(2), testLogger())

	_, err := d.ExecuteQueries(context.Background(), []wire.Query{
		{CollectionName: "", Pipeline: []wire.Document{}},
	}, Options{})
	require.ErrorContains(t, err, "collection name")

	_, err = d.ExecuteQueries(context.Background(), []wire.Query{
		{CollectionName: "facts", Pipeline: nil},
	}, Options{})
	require.ErrorContains(t, err, "pipeline")

	require.Contains(t, d.Metrics().LastError, "pipeline")
}

func TestExecuteQueriesAssignsIDs(t *testing.T) {
	exec := newFakeExec(1)
	d := New(exec, testLogger())

	res, err := d.ExecuteQueries(context.Background(), []wire.Query{
		{CollectionName: "facts", Pipeline: []wire.Document{}},
		{CollectionName: "facts", Pipeline: []wire.Document{}},
	}, Options{})
	require.NoError(t, err)

	require.NotEmpty(t, res.Results[0].ID)
	require.NotEmpty(t, res.Results[1].ID)
	require.NotEqual(t, res.Results[0].ID, res.Results[1].ID)
}

func TestExecuteQueriesNoReadyWorkers(t *testing.T) {
	d := New(newFakeExec(0), testLogger())

	_, err := d.ExecuteQueries(context.Background(), requestsOf(1), Options{})
	require.ErrorIs(t, err, pool.ErrNoReadyWorkers)
	require.Contains(t, d.Metrics().LastError, "no ready workers")
}

func TestExecuteQueriesChunking(t *testing.T) {
	exec := newFakeExec(3)
	d := New(exec, testLogger())

	res, err := d.ExecuteQueries(context.Background(), requestsOf(10), Options{MaxConcurrency: 4})
	require.NoError(t, err)

	// C = min(3 workers, 4, 10 requests) = 3; chunk size ceil(10/3) = 4.
	calls := exec.calls()
	require.Len(t, calls, 3)
	require.Equal(t, 3, res.Summary.BatchCount)

	sizes := make(map[int]int)
	for _, c := range calls {
		sizes[len(c.requests)]++
	}
	require.Equal(t, map[int]int{4: 2, 2: 1}, sizes)

	// Chunks are contiguous and distinct workers get distinct chunks.
	seen := make(map[*pool.Worker]bool)
	for _, c := range calls {
		require.False(t, seen[c.worker])
		seen[c.worker] = true
	}
}

func TestExecuteQueriesSerialCallsRoundRobin(t *testing.T) {
	// Serial single-query calls are the coordinator's per-index-type shape:
	// they must advance across workers, not pile onto the first ready one.
	exec := newFakeExec(3)
	d := New(exec, testLogger())

	for i := 0; i < 12; i++ {
		_, err := d.ExecuteQueries(context.Background(), requestsOf(1), Options{})
		require.NoError(t, err)
	}

	perWorker := make(map[*pool.Worker]int)
	for _, c := range exec.calls() {
		perWorker[c.worker]++
	}
	require.Len(t, perWorker, 3)
	for _, w := range exec.workers {
		require.Equal(t, 4, perWorker[w])
	}
}

func TestExecuteQueriesPreservesInputOrder(t *testing.T) {
	exec := newFakeExec(3)
	d := New(exec, testLogger())

	requests := requestsOf(10)
	res, err := d.ExecuteQueries(context.Background(), requests, Options{MaxConcurrency: 3})
	require.NoError(t, err)

	require.Len(t, res.Results, len(requests))
	for i := range requests {
		require.Equal(t, requests[i].ID, res.Results[i].ID)
	}
}

func TestExecuteQueriesSingleConcurrency(t *testing.T) {
	exec := newFakeExec(3)
	d := New(exec, testLogger())

	_, err := d.ExecuteQueries(context.Background(), requestsOf(6), Options{MaxConcurrency: 1})
	require.NoError(t, err)

	calls := exec.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].requests, 6)
}

func TestExecuteQueriesPartialBatchFailure(t *testing.T) {
	exec := newFakeExec(2)
	exec.failFor[exec.workers[1]] = errors.New("worker gone")
	d := New(exec, testLogger())

	res, err := d.ExecuteQueries(context.Background(), requestsOf(4), Options{MaxConcurrency: 2})
	require.NoError(t, err)

	// Chunk 0 (requests 0-1) succeeds on worker 0; chunk 1 (2-3) fails on
	// worker 1 but only locally.
	require.Nil(t, res.Results[0].Err)
	require.Nil(t, res.Results[1].Err)
	require.NotNil(t, res.Results[2].Err)
	require.Equal(t, "DispatchError", res.Results[2].Err.Name)
	require.NotNil(t, res.Results[3].Err)

	require.Equal(t, 2, res.Summary.Succeeded)
	require.Equal(t, 2, res.Summary.Failed)
	require.Equal(t, 4, res.Summary.Total)
}

func TestExecuteQueriesSummaryAndRollingMetrics(t *testing.T) {
	exec := newFakeExec(2)
	exec.queryTimeMs = 7
	d := New(exec, testLogger())

	res, err := d.ExecuteQueries(context.Background(), requestsOf(4), Options{})
	require.NoError(t, err)
	require.Equal(t, int64(28), res.Summary.QueryTimeMs)

	_, err = d.ExecuteQueries(context.Background(), requestsOf(2), Options{})
	require.NoError(t, err)

	snap := d.Metrics()
	require.Equal(t, int64(6), snap.TotalQueries)
	require.Equal(t, int64(6), snap.Successful)
	require.Equal(t, int64(0), snap.Failed)
	require.Equal(t, 42*time.Millisecond, snap.TotalQueryTime)
}
