package fact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// IndexType describes one secondary index over facts. Fields names the data
// fields whose values are concatenated and hashed into the lookup key.
type IndexType struct {
	// TypeName keys the counter plan; it must match counter definitions'
	// indexTypeName.
	TypeName string `yaml:"typeName" json:"typeName"`

	// Code is the numeric type code stored on each entry.
	Code int `yaml:"code" json:"code"`

	// Fields are the fact data fields that form the index key, in order.
	Fields []string `yaml:"fields" json:"fields"`

	// Collection overrides the storage collection; empty means "index_<code>".
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`

	// IncludeData embeds the fact data into each entry (single-stage
	// execution reads counters straight off the index).
	IncludeData bool `yaml:"includeData,omitempty" json:"includeData,omitempty"`

	// Limit caps how many relevant facts a lookup returns; 0 means the
	// coordinator default.
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// CollectionName returns the storage collection for this type's entries.
func (t *IndexType) CollectionName() string {
	if t.Collection != "" {
		return t.Collection
	}
	return fmt.Sprintf("index_%d", t.Code)
}

// IndexEntry is one index record: the hashed key plus enough to find the fact
// back. Data is present only for IncludeData types. The fields outside the
// stored document (TypeName, Collection, Limit) carry the owning type's
// settings to the coordinator.
type IndexEntry struct {
	ID       string        `bson:"_id" json:"_id"`
	TypeName string        `bson:"-" json:"-"`
	Code     int           `bson:"it" json:"it"`
	Hash     string        `bson:"h" json:"h"`
	Dt       time.Time     `bson:"dt" json:"dt"`
	FactID   string        `bson:"f" json:"f"`
	Data     wire.Document `bson:"d,omitempty" json:"d,omitempty"`

	Collection string `bson:"-" json:"-"`
	Limit      int    `bson:"-" json:"-"`
}

// CollectionName returns the collection this entry belongs to.
func (e *IndexEntry) CollectionName() string { return e.Collection }

// Indexer produces index entries for facts according to the configured types.
type Indexer struct {
	types []IndexType
	log   *slog.Logger
}

// NewIndexer validates the index-type configuration. TypeName and Code must
// be unique and Fields non-empty.
func NewIndexer(types []IndexType, log *slog.Logger) (*Indexer, error) {
	if log == nil {
		log = slog.Default()
	}
	seenName := make(map[string]bool, len(types))
	seenCode := make(map[int]bool, len(types))
	for i := range types {
		t := &types[i]
		if t.TypeName == "" {
			return nil, fmt.Errorf("fact: index type %d: empty typeName", i)
		}
		if len(t.Fields) == 0 {
			return nil, fmt.Errorf("fact: index type %q: no fields", t.TypeName)
		}
		if seenName[t.TypeName] {
			return nil, fmt.Errorf("fact: duplicate index type name %q", t.TypeName)
		}
		if seenCode[t.Code] {
			return nil, fmt.Errorf("fact: duplicate index type code %d", t.Code)
		}
		seenName[t.TypeName] = true
		seenCode[t.Code] = true
	}
	return &Indexer{types: types, log: log}, nil
}

// Types returns the configured index types.
func (ix *Indexer) Types() []IndexType { return ix.types }

// Index computes entries for every index type whose key fields are all
// present on the fact. Types with missing fields are skipped with a log line,
// not failed: a sparse fact simply does not appear in that index.
func (ix *Indexer) Index(f *Fact) []IndexEntry {
	entries := make([]IndexEntry, 0, len(ix.types))
	for i := range ix.types {
		t := &ix.types[i]
		hash, ok := hashKey(t, f.Data)
		if !ok {
			ix.log.Debug("fact not indexable for type", "fact", f.ID, "indexType", t.TypeName)
			continue
		}
		e := IndexEntry{
			ID:         fmt.Sprintf("%d:%s:%s", t.Code, hash, f.ID),
			TypeName:   t.TypeName,
			Code:       t.Code,
			Hash:       hash,
			Dt:         f.EventDate(),
			FactID:     f.ID,
			Collection: t.CollectionName(),
			Limit:      t.Limit,
		}
		if t.IncludeData {
			e.Data = f.Data
		}
		entries = append(entries, e)
	}
	return entries
}

// hashKey concatenates the index-type code with the key field values and
// hashes the result. ok is false when any field is absent.
func hashKey(t *IndexType, data wire.Document) (string, bool) {
	parts := make([]string, 0, len(t.Fields)+1)
	parts = append(parts, strconv.Itoa(t.Code))
	for _, field := range t.Fields {
		v, ok := data[field]
		if !ok || v == nil {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:]), true
}
