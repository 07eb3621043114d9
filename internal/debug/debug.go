// Package debug provides env-gated diagnostic logging to stderr.
// Set COUNTERS_DEBUG to any non-empty value to enable.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("COUNTERS_DEBUG") != ""
	verboseMode = false
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables debug output regardless of the environment.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, "[counters] "+format+"\n", args...)
	}
}
