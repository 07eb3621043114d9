package counter

import (
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// Matcher evaluates computationConditions predicates against fact data.
type Matcher struct {
	log *slog.Logger
}

// NewMatcher returns a Matcher logging warnings through log.
func NewMatcher(log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{log: log}
}

// Matches reports whether data satisfies every entry of conditions.
// Each entry maps a field name to an expected scalar (strict equality),
// an array (membership), or an operator sub-predicate.
func (m *Matcher) Matches(conditions wire.Document, data wire.Document) bool {
	for field, expected := range conditions {
		actual, present := data[field]
		if !m.matchField(field, expected, actual, present) {
			return false
		}
	}
	return true
}

func (m *Matcher) matchField(field string, expected, actual interface{}, present bool) bool {
	switch exp := expected.(type) {
	case map[string]interface{}:
		if isOperatorDoc(exp) {
			return m.matchOperators(field, exp, actual, present)
		}
		// A plain nested object is compared structurally.
		return equalValues(exp, actual)
	case []interface{}:
		return containsValue(exp, actual)
	default:
		return equalValues(expected, actual)
	}
}

func (m *Matcher) matchOperators(field string, ops map[string]interface{}, actual interface{}, present bool) bool {
	for op, operand := range ops {
		switch op {
		case "$in":
			arr, ok := operand.([]interface{})
			if !ok || !containsValue(arr, actual) {
				return false
			}
		case "$nin":
			arr, ok := operand.([]interface{})
			if !ok || containsValue(arr, actual) {
				return false
			}
		case "$ne":
			if equalValues(operand, actual) {
				return false
			}
		case "$not":
			if m.matchField(field, operand, actual, present) {
				return false
			}
		case "$regex":
			pattern, ok := operand.(string)
			if !ok {
				m.log.Warn("counter predicate: $regex operand must be a string", "field", field)
				return false
			}
			s, ok := actual.(string)
			if !ok {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				m.log.Warn("counter predicate: invalid $regex", "field", field, "pattern", pattern, "error", err)
				return false
			}
			if !re.MatchString(s) {
				return false
			}
		case "$exists":
			want, ok := operand.(bool)
			if !ok {
				m.log.Warn("counter predicate: $exists operand must be a boolean", "field", field)
				return false
			}
			exists := present && actual != nil
			if exists != want {
				return false
			}
		case "$or":
			arr, ok := operand.([]interface{})
			if !ok {
				m.log.Warn("counter predicate: $or operand must be an array", "field", field)
				return false
			}
			matched := false
			for _, alt := range arr {
				if m.matchField(field, alt, actual, present) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			m.log.Warn("counter predicate: unknown operator", "field", field, "operator", op)
			return false
		}
	}
	return true
}

// isOperatorDoc reports whether every key of doc is an operator key.
func isOperatorDoc(doc map[string]interface{}) bool {
	if len(doc) == 0 {
		return false
	}
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// equalValues compares predicate operands against fact values. Numbers are
// compared by value regardless of their concrete Go type, since YAML config
// yields ints where JSON facts carry float64.
func equalValues(a, b interface{}) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(arr []interface{}, v interface{}) bool {
	for _, elem := range arr {
		if equalValues(elem, v) {
			return true
		}
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
