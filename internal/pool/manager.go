// Package pool manages a fleet of worker child processes executing
// aggregation queries: parallel spawn, round-robin assignment across ready
// workers, a pending-query table with per-request timeouts, crash detection
// with automatic restart, and graceful shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

const (
	defaultInitTimeout   = 30 * time.Second
	defaultQueryTimeout  = 30 * time.Second
	defaultShutdownGrace = 5 * time.Second
	respawnMaxElapsed    = time.Minute
)

// SpawnFunc launches one worker process.
type SpawnFunc func(ctx context.Context) (Process, error)

// Config configures a Manager.
type Config struct {
	// WorkerCount is the pool size; at least 2.
	WorkerCount int
	// ConnectionString, DatabaseName and DatabaseOptions are forwarded to
	// each worker in its init message.
	ConnectionString string
	DatabaseName     string
	DatabaseOptions  wire.Document
	// InitTimeout bounds the spawn-to-ready window per worker.
	InitTimeout time.Duration
	// ShutdownGrace bounds how long Shutdown waits before force-killing.
	ShutdownGrace time.Duration
	// Spawn launches worker processes; see SpawnProcessFunc.
	Spawn SpawnFunc
	Log   *slog.Logger
}

// Manager owns the worker roster, the pending-query table and the pool
// statistics. All shared state is serialized through its mutex.
type Manager struct {
	cfg Config
	log *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	workers      []*Worker
	pending      map[string]*pendingQuery
	rr           int
	shuttingDown bool
	degraded     bool

	dispatched int64
	successful int64
	failed     int64
	restarted  int64
}

// NewManager creates a Manager. Call Start to bring up the workers.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.WorkerCount < 2 {
		return nil, fmt.Errorf("pool: worker count must be at least 2, got %d", cfg.WorkerCount)
	}
	if cfg.Spawn == nil {
		return nil, errors.New("pool: spawn function is required")
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
		workers: make([]*Worker, cfg.WorkerCount),
		pending: make(map[string]*pendingQuery),
	}, nil
}

// Start spawns the configured number of workers in parallel. A worker counts
// as created only after its ready message arrives within the init timeout;
// failed workers are killed. When zero workers come up the manager stays
// running in a degraded state and execution methods surface ErrInitFailed.
func (m *Manager) Start(ctx context.Context) error {
	var ok int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.WorkerCount; i++ {
		index := i
		g.Go(func() error {
			if err := m.startWorker(gctx, index); err != nil {
				m.log.Error("pool: worker failed to start", "index", index, "error", err)
				return nil // peers keep starting
			}
			atomic.AddInt64(&ok, 1)
			return nil
		})
	}
	_ = g.Wait()

	started := int(atomic.LoadInt64(&ok))
	if started == 0 {
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		m.log.Error("pool: no workers came up, running degraded", "requested", m.cfg.WorkerCount)
		return nil
	}
	m.log.Info("pool: started", "workers", started, "requested", m.cfg.WorkerCount)
	return nil
}

// startWorker spawns, initializes and installs the worker for a slot.
func (m *Manager) startWorker(ctx context.Context, index int) error {
	proc, err := m.cfg.Spawn(m.baseCtx)
	if err != nil {
		return fmt.Errorf("pool: spawn worker %d: %w", index, err)
	}
	w := &Worker{
		index:   index,
		proc:    proc,
		readyCh: make(chan error, 1),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		_ = proc.Kill()
		return ErrShuttingDown
	}
	m.workers[index] = w
	m.mu.Unlock()

	go m.serveWorker(w)
	go m.watchExit(w)

	init := wire.NewInit(m.cfg.ConnectionString, m.cfg.DatabaseName, m.cfg.DatabaseOptions)
	if err := proc.Send(init); err != nil {
		m.evictSlot(w)
		_ = proc.Kill()
		return fmt.Errorf("pool: init worker %d: %w", index, err)
	}

	timer := time.NewTimer(m.cfg.InitTimeout)
	defer timer.Stop()
	select {
	case err := <-w.readyCh:
		if err != nil {
			m.evictSlot(w)
			_ = proc.Kill()
			return fmt.Errorf("pool: worker %d init: %w", index, err)
		}
	case <-timer.C:
		m.evictSlot(w)
		_ = proc.Kill()
		return fmt.Errorf("pool: worker %d not ready after %s", index, m.cfg.InitTimeout)
	case <-ctx.Done():
		m.evictSlot(w)
		_ = proc.Kill()
		return ctx.Err()
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		_ = proc.Send(wire.NewShutdown())
		return ErrShuttingDown
	}
	w.ready = true
	m.mu.Unlock()
	m.log.Info("pool: worker ready", "index", index)
	return nil
}

// evictSlot removes w from the roster if it still occupies its slot.
func (m *Manager) evictSlot(w *Worker) {
	m.mu.Lock()
	if m.workers[w.index] == w {
		m.workers[w.index] = nil
	}
	m.mu.Unlock()
}

// serveWorker consumes a worker's messages until its output closes.
func (m *Manager) serveWorker(w *Worker) {
	for msg := range w.proc.Messages() {
		switch v := msg.(type) {
		case *wire.Ready:
			select {
			case w.readyCh <- nil:
			default:
			}
		case *wire.Error:
			select {
			case w.readyCh <- errors.New(v.Message):
			default:
			}
		case *wire.Result:
			m.deliverResult(*v)
		case *wire.ResultBatch:
			for _, r := range v.Results {
				m.deliverResult(r)
			}
		default:
			m.log.Warn("pool: unexpected message from worker", "index", w.index, "type", fmt.Sprintf("%T", msg))
		}
	}
}

// deliverResult rematerializes dates in a worker reply and resolves its
// pending entry.
func (m *Manager) deliverResult(r wire.Result) {
	if r.Rows != nil {
		r.Rows = wire.MaterializeDates(r.Rows).([]wire.Document)
	}
	m.resolvePending(r.ID, r)
}

// watchExit waits for the worker process to end and handles the exit.
func (m *Manager) watchExit(w *Worker) {
	status := <-w.proc.Exited()
	m.handleExit(w, status)
}

// handleExit processes a worker exit: during shutdown it only records the
// exit; otherwise the slot is cleared, pending entries owned by the worker
// are failed eagerly, and a replacement is spawned under the same index.
func (m *Manager) handleExit(w *Worker, status ExitStatus) {
	m.mu.Lock()
	current := m.workers[w.index] == w
	shuttingDown := m.shuttingDown
	if current {
		w.ready = false
	}
	if current && !shuttingDown {
		m.workers[w.index] = nil
		m.restarted++
	}
	m.mu.Unlock()
	close(w.done)

	if !current || shuttingDown {
		return
	}

	m.log.Warn("pool: worker exited unexpectedly", "index", w.index, "code", status.Code, "error", status.Err)
	m.failPendingOwnedBy(w, &wire.ResultError{
		Name:    "WorkerCrashError",
		Message: fmt.Sprintf("worker %d exited with code %d", w.index, status.Code),
	})
	go m.respawn(w.index)
}

// respawn restarts a slot with exponential backoff until it succeeds or the
// pool shuts down.
func (m *Manager) respawn(index int) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = respawnMaxElapsed
	err := backoff.Retry(func() error {
		m.mu.Lock()
		down := m.shuttingDown
		m.mu.Unlock()
		if down {
			return backoff.Permanent(ErrShuttingDown)
		}
		return m.startWorker(m.baseCtx, index)
	}, backoff.WithContext(bo, m.baseCtx))
	if err != nil {
		m.log.Error("pool: failed to restart worker", "index", index, "error", err)
	}
}

// ReadyWorkers returns a snapshot of the workers whose ready flag is set.
func (m *Manager) ReadyWorkers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Worker
	for _, w := range m.workers {
		if w != nil && w.ready {
			out = append(out, w)
		}
	}
	return out
}

// NextReadyWorker advances the round-robin cursor and returns the next ready
// worker. When the cursor lands on a worker that is no longer ready the scan
// continues forward; with no ready worker at all the caller gets an error at
// the dispatch boundary.
func (m *Manager) NextReadyWorker() (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return nil, ErrShuttingDown
	}
	n := len(m.workers)
	for i := 0; i < n; i++ {
		w := m.workers[(m.rr+i)%n]
		if w != nil && w.ready {
			m.rr = (m.rr + i + 1) % n
			return w, nil
		}
	}
	if m.degraded {
		return nil, ErrInitFailed
	}
	return nil, ErrNoReadyWorkers
}

// ExecuteBatchOnWorker sends a query batch to one worker and returns results
// aligned to requests. Each request carries an independent timeout that
// resolves the entry with an error result without killing the worker; a
// send failure fails only this batch's requests.
func (m *Manager) ExecuteBatchOnWorker(ctx context.Context, w *Worker, requests []wire.Query, timeout time.Duration) ([]wire.Result, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.workers[w.index] != w || !w.ready {
		m.mu.Unlock()
		return nil, ErrWorkerNotReady
	}
	m.mu.Unlock()

	batch := wire.QueryBatch{
		Type:    wire.TypeQueryBatch,
		BatchID: uuid.NewString(),
	}
	entries := make([]*pendingQuery, len(requests))
	for i := range requests {
		q := requests[i]
		q.Type = wire.TypeQuery
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.Pipeline = wire.SerializeDates(q.Pipeline).([]wire.Document)
		entries[i] = m.registerPending(q.ID, w, timeout)
		batch.Requests = append(batch.Requests, q)
	}

	if err := w.proc.Send(&batch); err != nil {
		m.log.Warn("pool: batch send failed", "index", w.index, "batch", batch.BatchID, "error", err)
		werr := &wire.ResultError{Name: "SendError", Message: err.Error()}
		for _, q := range batch.Requests {
			m.resolvePending(q.ID, wire.Result{Type: wire.TypeResult, ID: q.ID, Err: werr})
		}
	}

	results := make([]wire.Result, len(requests))
	for i, p := range entries {
		select {
		case res := <-p.done:
			results[i] = res
		case <-ctx.Done():
			m.resolvePending(p.id, wire.Result{
				Type: wire.TypeResult,
				ID:   p.id,
				Err:  &wire.ResultError{Name: "CanceledError", Message: ctx.Err().Error()},
			})
			results[i] = <-p.done
		}
	}
	return results, nil
}

// Shutdown stops the pool: pending entries reject with a shutdown error,
// workers receive the shutdown message, and stragglers are force-killed
// after the grace period. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	live := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if w != nil {
			w.ready = false
			live = append(live, w)
		}
	}
	m.mu.Unlock()

	m.failAllPending(&wire.ResultError{Name: "ShutdownError", Message: "pool shutdown in progress"})

	for _, w := range live {
		if err := w.proc.Send(wire.NewShutdown()); err != nil {
			m.log.Debug("pool: shutdown send failed", "index", w.index, "error", err)
		}
	}

	grace := time.NewTimer(m.cfg.ShutdownGrace)
	defer grace.Stop()
	for _, w := range live {
		select {
		case <-w.done:
		case <-grace.C:
			m.killRemaining(live)
			m.cancel()
			return nil
		case <-ctx.Done():
			m.killRemaining(live)
			m.cancel()
			return ctx.Err()
		}
	}
	m.cancel()
	m.log.Info("pool: shutdown complete")
	return nil
}

// killRemaining force-terminates every live worker that has not yet exited,
// then waits briefly for their exits to be processed.
func (m *Manager) killRemaining(live []*Worker) {
	for _, w := range live {
		select {
		case <-w.done:
		default:
			m.log.Warn("pool: force-killing worker", "index", w.index)
			_ = w.proc.Kill()
		}
	}
	deadline := time.After(time.Second)
	for _, w := range live {
		select {
		case <-w.done:
		case <-deadline:
			return
		}
	}
}
