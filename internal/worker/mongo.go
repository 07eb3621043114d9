package worker

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// mongoDatabase adapts the MongoDB driver to the Database interface.
// Aggregations read from secondaries when possible with local read concern;
// the worker never writes.
type mongoDatabase struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects a worker's database client from the init parameters.
// It satisfies OpenFunc.
func OpenMongo(ctx context.Context, init *wire.Init) (Database, error) {
	if init.ConnectionString == "" {
		return nil, fmt.Errorf("mongo: empty connection string")
	}
	if init.DatabaseName == "" {
		return nil, fmt.Errorf("mongo: empty database name")
	}

	opts := options.Client().
		ApplyURI(init.ConnectionString).
		SetReadPreference(readpref.SecondaryPreferred()).
		SetReadConcern(readconcern.Local())

	if v, ok := init.DatabaseOptions["appName"].(string); ok && v != "" {
		opts.SetAppName(v)
	}
	if v, ok := asInt64(init.DatabaseOptions["maxPoolSize"]); ok && v > 0 {
		opts.SetMaxPoolSize(uint64(v))
	}
	if v, ok := asInt64(init.DatabaseOptions["connectTimeoutMS"]); ok && v > 0 {
		opts.SetConnectTimeout(time.Duration(v) * time.Millisecond)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.SecondaryPreferred()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	return &mongoDatabase{
		client: client,
		db:     client.Database(init.DatabaseName),
	}, nil
}

func (m *mongoDatabase) Aggregate(ctx context.Context, collection string, pipeline []wire.Document, opts wire.Document) ([]wire.Document, error) {
	stages := make(mongo.Pipeline, 0, len(pipeline))
	for _, stage := range pipeline {
		doc, err := toBSOND(stage)
		if err != nil {
			return nil, fmt.Errorf("mongo: pipeline stage: %w", err)
		}
		stages = append(stages, doc)
	}

	aggOpts := options.Aggregate()
	if v, ok := opts["allowDiskUse"].(bool); ok {
		aggOpts.SetAllowDiskUse(v)
	}
	if v, ok := asInt64(opts["maxTimeMS"]); ok && v > 0 {
		aggOpts.SetMaxTime(time.Duration(v) * time.Millisecond)
	}

	cur, err := m.db.Collection(collection).Aggregate(ctx, stages, aggOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: aggregate %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	rows := []wire.Document{}
	for cur.Next(ctx) {
		var row bson.M
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("mongo: decode row: %w", err)
		}
		rows = append(rows, wire.Document(row))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: cursor: %w", err)
	}
	return rows, nil
}

func (m *mongoDatabase) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// toBSOND converts a generic document into an ordered bson.D so stage
// operators survive the driver's marshaling.
func toBSOND(doc wire.Document) (bson.D, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out bson.D
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
