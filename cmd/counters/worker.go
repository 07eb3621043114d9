package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/SergeyGaydamakov/counters/internal/worker"
)

// workerCmd is the child-process entry point. The pool manager spawns
// "counters worker" and speaks the wire protocol over its stdin/stdout, so
// this command must never write anything else to stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a pool worker process (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		r := worker.NewRunner(os.Stdin, os.Stdout, worker.OpenMongo, log)
		return r.Run(context.Background())
	},
}
