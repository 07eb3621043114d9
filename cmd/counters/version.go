package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the counters version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("counters", version)
	},
}
