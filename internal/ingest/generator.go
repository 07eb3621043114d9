package ingest

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Generator produces random events for the configured mappings: a small pool
// of stable keys so generated facts actually collide on index lookups.
type Generator struct {
	mappings []Mapping
	rng      *rand.Rand
	keyPool  int
}

// NewGenerator seeds a generator. keyPool is the number of distinct values
// per key-looking field; 0 means 20.
func NewGenerator(mappings []Mapping, seed int64, keyPool int) *Generator {
	if keyPool <= 0 {
		keyPool = 20
	}
	return &Generator{
		mappings: mappings,
		rng:      rand.New(rand.NewSource(seed)),
		keyPool:  keyPool,
	}
}

// Next produces one random event for a random mapping. Fields are filled in
// sorted name order so equal seeds consume the RNG identically.
func (g *Generator) Next() wire.Document {
	m := &g.mappings[g.rng.Intn(len(g.mappings))]

	fields := make([]string, 0, len(m.Fields))
	for eventField := range m.Fields {
		fields = append(fields, eventField)
	}
	sort.Strings(fields)

	event := wire.Document{"type": m.EventType}
	for _, eventField := range fields {
		event[eventField] = g.value(eventField)
	}
	return event
}

// value synthesizes a field value by naming convention: id-like fields draw
// from the key pool, amounts are small positive numbers, dates are recent.
func (g *Generator) value(field string) interface{} {
	switch {
	case field == "dt" || field == "date" || field == "timestamp":
		offset := time.Duration(g.rng.Intn(72)) * time.Hour
		return wire.FormatDate(time.Now().Add(-offset))
	case field == "amount" || field == "sum" || field == "value":
		return float64(g.rng.Intn(100000)) / 100
	default:
		return fmt.Sprintf("%s-%d", field, g.rng.Intn(g.keyPool))
	}
}
