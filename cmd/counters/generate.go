package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SergeyGaydamakov/counters/internal/config"
	"github.com/SergeyGaydamakov/counters/internal/ingest"
)

var (
	generateCount   int
	generateSeed    int64
	generateKeyPool int
)

// generateCmd emits random events as newline-delimited JSON, suitable for
// piping into `counters serve`.
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate random test events for the configured mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		mappings, err := config.LoadMappings(cfg.MappingsFile)
		if err != nil {
			return err
		}

		seed := generateSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		gen := ingest.NewGenerator(mappings, seed, generateKeyPool)

		out := json.NewEncoder(os.Stdout)
		for i := 0; i < generateCount; i++ {
			if err := out.Encode(gen.Next()); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", 100, "number of events to generate")
	generateCmd.Flags().Int64Var(&generateSeed, "seed", 0, "random seed (0 means time-based)")
	generateCmd.Flags().IntVar(&generateKeyPool, "key-pool", 20, "distinct values per key field")
}
