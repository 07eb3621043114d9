// Package ingest turns raw external events into facts: a field-mapping
// driven mapper and a random event generator for load and demo runs.
package ingest

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/fact"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Mapping describes how one event type becomes a fact.
type Mapping struct {
	// EventType matches the event's discriminator field value.
	EventType string `yaml:"eventType" json:"eventType"`

	// FactType is the resulting fact's type code, a positive integer.
	FactType int `yaml:"factType" json:"factType"`

	// KeyField is the fact data field whose value derives the fact id.
	KeyField string `yaml:"keyField" json:"keyField"`

	// Fields maps event field names to fact data field names. Event fields
	// not listed are dropped.
	Fields map[string]string `yaml:"fields" json:"fields"`
}

// Mapper converts events to facts according to its mappings.
type Mapper struct {
	typeField string
	byType    map[string]*Mapping
	log       *slog.Logger

	now func() time.Time
}

// NewMapper validates the mappings. typeField defaults to "type".
func NewMapper(mappings []Mapping, typeField string, log *slog.Logger) (*Mapper, error) {
	if typeField == "" {
		typeField = "type"
	}
	if log == nil {
		log = slog.Default()
	}
	byType := make(map[string]*Mapping, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		if m.EventType == "" {
			return nil, fmt.Errorf("ingest: mapping %d: empty eventType", i)
		}
		if m.FactType <= 0 {
			return nil, fmt.Errorf("ingest: mapping %q: factType must be positive", m.EventType)
		}
		if m.KeyField == "" {
			return nil, fmt.Errorf("ingest: mapping %q: empty keyField", m.EventType)
		}
		if len(m.Fields) == 0 {
			return nil, fmt.Errorf("ingest: mapping %q: no fields", m.EventType)
		}
		if _, dup := byType[m.EventType]; dup {
			return nil, fmt.Errorf("ingest: duplicate mapping for event type %q", m.EventType)
		}
		byType[m.EventType] = m
	}
	return &Mapper{typeField: typeField, byType: byType, log: log, now: time.Now}, nil
}

// Map converts one event into a fact. Date strings in mapped values are
// materialized to time values on the way in. An unmapped event type is an
// error; a missing mapped field is skipped.
func (mp *Mapper) Map(event wire.Document) (fact.Fact, error) {
	eventType, _ := event[mp.typeField].(string)
	if eventType == "" {
		return fact.Fact{}, fmt.Errorf("ingest: event has no %q field", mp.typeField)
	}
	mapping, ok := mp.byType[eventType]
	if !ok {
		return fact.Fact{}, fmt.Errorf("ingest: no mapping for event type %q", eventType)
	}

	data := make(wire.Document, len(mapping.Fields))
	for eventField, factField := range mapping.Fields {
		v, ok := event[eventField]
		if !ok {
			mp.log.Debug("event field absent", "eventType", eventType, "field", eventField)
			continue
		}
		data[factField] = wire.MaterializeDates(v)
	}

	f := fact.New(mapping.FactType, mapping.KeyField, data, mp.now().UTC())
	return f, nil
}
