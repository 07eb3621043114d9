// Package fact holds the fact and index-entry data model: fact id
// derivation, index-type configuration, the indexer that turns a fact into
// per-type index entries, and the Mongo-backed store for both.
package fact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Fact is one persisted event. Type is a positive integer code. Field names
// are kept short because facts are written in volume.
type Fact struct {
	ID        string        `bson:"_id" json:"_id"`
	Type      int           `bson:"t" json:"t"`
	CreatedAt time.Time     `bson:"c" json:"c"`
	Data      wire.Document `bson:"d" json:"d"`
}

// DeriveID computes a fact id from its type code and key value. When hashKey
// is true the id is the hex SHA-256 of "type:key", otherwise the literal
// concatenation is used.
func DeriveID(factType int, key interface{}, hashKey bool) string {
	raw := fmt.Sprintf("%d:%v", factType, key)
	if !hashKey {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// New builds a fact, deriving the id from keyField's value in data. A missing
// key field falls back to hashing the whole payload's timestamp-qualified
// type, which keeps ingestion running but is logged by callers.
func New(factType int, keyField string, data wire.Document, createdAt time.Time) Fact {
	key, ok := data[keyField]
	if !ok {
		key = createdAt.UnixNano()
	}
	return Fact{
		ID:        DeriveID(factType, key, true),
		Type:      factType,
		CreatedAt: createdAt.UTC(),
		Data:      data,
	}
}

// EventDate returns the fact's business timestamp: the "dt" field of the data
// payload when it is a time value, otherwise CreatedAt.
func (f *Fact) EventDate() time.Time {
	if dt, ok := f.Data["dt"].(time.Time); ok {
		return dt
	}
	return f.CreatedAt
}
