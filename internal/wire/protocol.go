// Package wire defines the interprocess protocol spoken between the pool
// manager and its worker processes: typed message variants with a "type"
// discriminator, a newline-delimited JSON framing codec, and the date
// round-tripping rules for values that cross the process boundary.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the wire message variants.
type MessageType string

const (
	TypeInit        MessageType = "init"
	TypeReady       MessageType = "ready"
	TypeQuery       MessageType = "query"
	TypeQueryBatch  MessageType = "query_batch"
	TypeResult      MessageType = "result"
	TypeResultBatch MessageType = "result_batch"
	TypeError       MessageType = "error"
	TypeShutdown    MessageType = "shutdown"
)

// Document is a generic JSON/BSON-shaped object. Aggregation pipeline stages,
// database options and result rows are all Documents.
type Document = map[string]interface{}

// Init instructs a worker to open its database client.
type Init struct {
	Type             MessageType `json:"type"`
	ConnectionString string      `json:"connectionString"`
	DatabaseName     string      `json:"databaseName"`
	DatabaseOptions  Document    `json:"databaseOptions,omitempty"`
}

// Ready is sent by a worker once its database client is open.
type Ready struct {
	Type MessageType `json:"type"`
}

// Query asks a worker to run one aggregation pipeline.
type Query struct {
	Type           MessageType `json:"type"`
	ID             string      `json:"id"`
	CollectionName string      `json:"collectionName"`
	Pipeline       []Document  `json:"query"`
	Options        Document    `json:"options,omitempty"`
}

// QueryBatch asks a worker to run several queries and reply with one
// ResultBatch carrying a Result per request, in request order.
type QueryBatch struct {
	Type     MessageType `json:"type"`
	BatchID  string      `json:"batchId"`
	Requests []Query     `json:"requests"`
}

// QueryMetrics carries per-query timing and size measurements.
// QuerySize and ResultSize are populated only when debug measurement is on.
type QueryMetrics struct {
	QueryTimeMs int64 `json:"queryTime"`
	QuerySize   int64 `json:"querySize,omitempty"`
	ResultSize  int64 `json:"resultSize,omitempty"`
}

// ResultError is the serialized form of a worker-side error.
type ResultError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ResultError) Error() string {
	if e == nil {
		return ""
	}
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Result is a worker's reply to a single Query. Exactly one of Rows and Err
// is meaningful: Rows is nil when Err is set.
type Result struct {
	Type    MessageType  `json:"type"`
	ID      string       `json:"id"`
	Rows    []Document   `json:"result"`
	Err     *ResultError `json:"error,omitempty"`
	Metrics QueryMetrics `json:"metrics"`
}

// ResultBatch is a worker's reply to a QueryBatch.
type ResultBatch struct {
	Type    MessageType `json:"type"`
	BatchID string      `json:"batchId"`
	Results []Result    `json:"results"`
}

// Error reports a fatal worker initialization failure.
type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// Shutdown asks a worker to close its database client and exit zero.
type Shutdown struct {
	Type MessageType `json:"type"`
}

// NewInit builds an Init message.
func NewInit(connectionString, databaseName string, options Document) *Init {
	return &Init{Type: TypeInit, ConnectionString: connectionString, DatabaseName: databaseName, DatabaseOptions: options}
}

// NewReady builds a Ready message.
func NewReady() *Ready { return &Ready{Type: TypeReady} }

// NewShutdown builds a Shutdown message.
func NewShutdown() *Shutdown { return &Shutdown{Type: TypeShutdown} }

// Decode parses a raw frame into its typed message. Unknown fields are
// tolerated; an unknown or missing type discriminator is an error.
func Decode(data []byte) (interface{}, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	var msg interface{}
	switch probe.Type {
	case TypeInit:
		msg = &Init{}
	case TypeReady:
		msg = &Ready{}
	case TypeQuery:
		msg = &Query{}
	case TypeQueryBatch:
		msg = &QueryBatch{}
	case TypeResult:
		msg = &Result{}
	case TypeResultBatch:
		msg = &ResultBatch{}
	case TypeError:
		msg = &Error{}
	case TypeShutdown:
		msg = &Shutdown{}
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", probe.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", probe.Type, err)
	}
	return msg, nil
}
