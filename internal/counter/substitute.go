package counter

import (
	"log/slog"
	"strings"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// paramPrefix marks parameter references in pipeline stages.
const paramPrefix = "$$"

// nowParam expands to the plan's single expansion timestamp.
const nowParam = "$$NOW"

// substituteParams returns a copy of v with every string of the form
// "$$name" replaced: $$NOW by now, $$name by data[name] when present.
// Unresolved references are kept verbatim and logged. No other string
// transformations occur; the input is never mutated.
func substituteParams(v interface{}, data wire.Document, now time.Time, log *slog.Logger) interface{} {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, paramPrefix) {
			return val
		}
		if val == nowParam {
			return now
		}
		name := strings.TrimPrefix(val, paramPrefix)
		if resolved, ok := data[name]; ok {
			return resolved
		}
		log.Warn("counter plan: unresolved parameter", "parameter", val)
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = substituteParams(elem, data, now, log)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = substituteParams(elem, data, now, log)
		}
		return out
	case []wire.Document:
		out := make([]wire.Document, len(val))
		for i, elem := range val {
			out[i] = substituteParams(elem, data, now, log).(wire.Document)
		}
		return out
	default:
		return v
	}
}
