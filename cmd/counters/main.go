// Command counters is the counter-computation engine CLI: the serve loop,
// the worker child-process entry point, and supporting utilities.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
