package fact

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Store persists facts and index entries. Writes go to the primary with
// majority write concern and no journal flush requirement.
type Store struct {
	db             *mongo.Database
	factCollection string
}

// NewStore connects a store to its database. factCollection defaults to
// "facts" when empty.
func NewStore(client *mongo.Client, databaseName, factCollection string) *Store {
	if factCollection == "" {
		factCollection = "facts"
	}
	db := client.Database(databaseName,
		options.Database().
			SetWriteConcern(writeconcern.Majority()).
			SetReadPreference(readpref.Primary()),
	)
	return &Store{db: db, factCollection: factCollection}
}

// FactCollection returns the facts collection name.
func (s *Store) FactCollection() string { return s.factCollection }

// SaveFact upserts one fact by id.
func (s *Store) SaveFact(ctx context.Context, f *Fact) error {
	_, err := s.db.Collection(s.factCollection).ReplaceOne(ctx,
		bson.M{"_id": f.ID}, f, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("fact: save %s: %w", f.ID, err)
	}
	return nil
}

// SaveIndexEntries upserts all entries with one unordered bulk write per
// target collection. Partial failures are reported but do not stop sibling
// collections.
func (s *Store) SaveIndexEntries(ctx context.Context, entries []IndexEntry) error {
	byCollection := make(map[string][]mongo.WriteModel)
	for i := range entries {
		e := &entries[i]
		model := mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": e.ID}).
			SetReplacement(e).
			SetUpsert(true)
		byCollection[e.CollectionName()] = append(byCollection[e.CollectionName()], model)
	}

	var firstErr error
	for collection, models := range byCollection {
		_, err := s.db.Collection(collection).BulkWrite(ctx, models,
			options.BulkWrite().SetOrdered(false))
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("fact: bulk index write %s: %w", collection, err)
		}
	}
	return firstErr
}

// CountFacts returns the number of stored facts.
func (s *Store) CountFacts(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(s.factCollection).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("fact: count: %w", err)
	}
	return n, nil
}
