package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/SergeyGaydamakov/counters/internal/config"
	"github.com/SergeyGaydamakov/counters/internal/coordinator"
	"github.com/SergeyGaydamakov/counters/internal/counter"
	"github.com/SergeyGaydamakov/counters/internal/debug"
	"github.com/SergeyGaydamakov/counters/internal/dispatch"
	"github.com/SergeyGaydamakov/counters/internal/engine"
	"github.com/SergeyGaydamakov/counters/internal/fact"
	"github.com/SergeyGaydamakov/counters/internal/ingest"
	"github.com/SergeyGaydamakov/counters/internal/pool"
	"github.com/SergeyGaydamakov/counters/internal/telemetry"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// serveCmd runs the full engine: a worker pool plus an event loop reading
// newline-delimited JSON events from stdin and writing one outcome per event
// to stdout.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker pool and process events from stdin",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if verbose {
		debug.SetVerbose(true)
	}
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	defs, err := counter.LoadDefinitions(cfg.CountersFile)
	if err != nil {
		return err
	}
	indexTypes, err := config.LoadIndexTypes(cfg.IndexFile)
	if err != nil {
		return err
	}
	mappings, err := config.LoadMappings(cfg.MappingsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "counters", version); err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	// The pool spawns this same binary in worker mode.
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("serve: resolve executable: %w", err)
	}
	workerArgs := []string{"worker"}
	if verbose {
		workerArgs = append(workerArgs, "--verbose")
	}

	manager, err := pool.NewManager(pool.Config{
		WorkerCount:      cfg.Workers,
		ConnectionString: cfg.MongoURI,
		DatabaseName:     cfg.Database,
		InitTimeout:      cfg.WorkerInitTimeout,
		Spawn:            pool.SpawnProcessFunc(self, workerArgs...),
		Log:              log,
	})
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	}()

	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("serve: connect: %w", err)
	}
	defer client.Disconnect(context.Background())

	eng, err := buildEngine(cfg, defs, indexTypes, mappings, manager, client, log)
	if err != nil {
		return err
	}

	log.Info("serving",
		"workers", cfg.Workers,
		"mode", cfg.Mode,
		"database", cfg.Database,
		"counters", len(defs))

	return eventLoop(ctx, eng, log)
}

func buildEngine(cfg *config.Config, defs []counter.Definition, indexTypes []fact.IndexType, mappings []ingest.Mapping, manager *pool.Manager, client *mongo.Client, log *slog.Logger) (*engine.Engine, error) {
	mapper, err := ingest.NewMapper(mappings, "", log)
	if err != nil {
		return nil, err
	}
	indexer, err := fact.NewIndexer(indexTypes, log)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(manager, log)
	coord, err := coordinator.New(coordinator.Config{
		Mode:           coordinator.Mode(cfg.Mode),
		FactCollection: cfg.FactCollection,
		DepthLimit:     cfg.DepthLimit,
		QueryTimeout:   cfg.QueryTimeout,
	}, dispatcher, log)
	if err != nil {
		return nil, err
	}

	store := fact.NewStore(client, cfg.Database, cfg.FactCollection)
	builder := counter.NewBuilder(defs, log)

	return engine.New(engine.Config{
		Depth: cfg.Depth,
		Debug: cfg.Debug,
	}, mapper, indexer, store, builder, coord, log), nil
}

// eventLoop reads one JSON event per line from stdin until EOF or signal.
func eventLoop(ctx context.Context, eng *engine.Engine, log *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event wire.Document
		if err := json.Unmarshal(line, &event); err != nil {
			log.Warn("malformed event line", "error", err)
			continue
		}
		event = wire.MaterializeDates(event).(wire.Document)

		outcome, err := eng.ProcessEvent(ctx, event)
		if err != nil {
			log.Warn("event rejected", "error", err)
			continue
		}
		if err := out.Encode(outcomeView(outcome)); err != nil {
			return fmt.Errorf("serve: write outcome: %w", err)
		}
	}
	return scanner.Err()
}

// outcomeView flattens an engine outcome for the stdout stream.
func outcomeView(o *engine.Outcome) wire.Document {
	view := wire.Document{
		"factId":    o.Fact.ID,
		"factType":  o.Fact.Type,
		"indexed":   len(o.Entries),
		"elapsedMs": o.Elapsed.Milliseconds(),
	}
	if o.Counters != nil {
		view["counters"] = o.Counters.Counters
		view["metrics"] = o.Counters.Metrics
		if len(o.Counters.Pipelines) > 0 {
			view["pipelines"] = o.Counters.Pipelines
		}
	}
	if o.FactSaveErr != nil {
		view["factSaveError"] = o.FactSaveErr.Error()
	}
	if o.IndexSaveErr != nil {
		view["indexSaveError"] = o.IndexSaveErr.Error()
	}
	if o.CounterErr != nil {
		view["counterError"] = o.CounterErr.Error()
	}
	return view
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
