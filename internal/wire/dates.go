package wire

import (
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// isoDatePattern matches the date strings the protocol round-trips:
// second or millisecond precision, optional trailing Z.
var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3})?Z?$`)

const isoDateLayout = "2006-01-02T15:04:05.000Z"

// FormatDate renders t in the protocol's ISO 8601 form (millisecond
// precision, UTC, trailing Z).
func FormatDate(t time.Time) string {
	return t.UTC().Format(isoDateLayout)
}

// ParseDate parses a protocol date string. ok is false when s does not match
// the protocol pattern or fails to parse.
func ParseDate(s string) (time.Time, bool) {
	if !isoDatePattern.MatchString(s) {
		return time.Time{}, false
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SerializeDates returns a copy of v with every time.Time (and BSON DateTime)
// at any depth replaced by its ISO 8601 string form. The input is not
// mutated; maps and slices are rebuilt on the way down.
func SerializeDates(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return FormatDate(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return FormatDate(*val)
	case primitive.DateTime:
		return FormatDate(val.Time())
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = SerializeDates(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = SerializeDates(elem)
		}
		return out
	case []Document:
		out := make([]Document, len(val))
		for i, elem := range val {
			out[i] = SerializeDates(elem).(Document)
		}
		return out
	default:
		return v
	}
}

// MaterializeDates returns a copy of v with every string matching the
// protocol's ISO 8601 pattern, at any depth, replaced by the corresponding
// time.Time. Non-matching strings pass through unchanged. The input is not
// mutated.
func MaterializeDates(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if t, ok := ParseDate(val); ok {
			return t
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = MaterializeDates(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = MaterializeDates(elem)
		}
		return out
	case []Document:
		out := make([]Document, len(val))
		for i, elem := range val {
			out[i] = MaterializeDates(elem).(Document)
		}
		return out
	default:
		return v
	}
}
