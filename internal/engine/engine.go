// Package engine orchestrates one event end to end: map it to a fact, build
// its index entries and counter plan, then run the fact save, the index save
// and the counter computation concurrently and gather all three results.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/coordinator"
	"github.com/SergeyGaydamakov/counters/internal/counter"
	"github.com/SergeyGaydamakov/counters/internal/fact"
	"github.com/SergeyGaydamakov/counters/internal/ingest"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Store is the persistence slice the engine depends on.
type Store interface {
	SaveFact(ctx context.Context, f *fact.Fact) error
	SaveIndexEntries(ctx context.Context, entries []fact.IndexEntry) error
}

// Computer is the coordinator slice the engine depends on.
type Computer interface {
	Compute(ctx context.Context, req *coordinator.Request) (*coordinator.Result, error)
}

// Config holds the engine's per-event settings.
type Config struct {
	// Depth floors the relevant-facts lookup at now-Depth; zero means no
	// floor.
	Depth time.Duration
	// Debug asks the coordinator to capture the literal pipelines.
	Debug bool
}

// Outcome is the gathered result of one processed event. The three branch
// errors are independent: a failed save does not void the computed counters.
type Outcome struct {
	Fact    fact.Fact
	Entries []fact.IndexEntry

	FactSaveErr  error
	IndexSaveErr error

	Counters   *coordinator.Result
	CounterErr error

	Elapsed time.Duration
}

// Engine processes events.
type Engine struct {
	cfg      Config
	mapper   *ingest.Mapper
	indexer  *fact.Indexer
	store    Store
	builder  *counter.Builder
	computer Computer
	log      *slog.Logger

	now func() time.Time
}

// New wires an engine from its collaborators.
func New(cfg Config, mapper *ingest.Mapper, indexer *fact.Indexer, store Store, builder *counter.Builder, computer Computer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		mapper:   mapper,
		indexer:  indexer,
		store:    store,
		builder:  builder,
		computer: computer,
		log:      log,
		now:      time.Now,
	}
}

// ProcessEvent runs one event through the full path. Mapping failures abort
// the event; save and computation failures are reported per branch in the
// outcome.
func (e *Engine) ProcessEvent(ctx context.Context, event wire.Document) (*Outcome, error) {
	start := e.now()

	f, err := e.mapper.Map(event)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	out := &Outcome{
		Fact:    f,
		Entries: e.indexer.Index(&f),
	}
	plan := e.builder.Build(f.Data)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		out.FactSaveErr = e.store.SaveFact(ctx, &f)
	}()

	go func() {
		defer wg.Done()
		if len(out.Entries) == 0 {
			return
		}
		out.IndexSaveErr = e.store.SaveIndexEntries(ctx, out.Entries)
	}()

	go func() {
		defer wg.Done()
		if plan.CounterCount() == 0 {
			out.Counters = &coordinator.Result{Counters: map[string]wire.Document{}}
			return
		}
		req := &coordinator.Request{
			Plan:          plan,
			Entries:       out.Entries,
			CurrentFactID: f.ID,
			Debug:         e.cfg.Debug,
		}
		if e.cfg.Depth > 0 {
			floor := start.Add(-e.cfg.Depth).UTC()
			req.DepthFromDate = &floor
		}
		out.Counters, out.CounterErr = e.computer.Compute(ctx, req)
	}()

	wg.Wait()
	out.Elapsed = time.Since(start)

	if out.FactSaveErr != nil {
		e.log.Warn("fact save failed", "fact", f.ID, "error", out.FactSaveErr)
	}
	if out.IndexSaveErr != nil {
		e.log.Warn("index save failed", "fact", f.ID, "error", out.IndexSaveErr)
	}
	if out.CounterErr != nil {
		e.log.Warn("counter computation failed", "fact", f.ID, "error", out.CounterErr)
	}
	return out, nil
}
