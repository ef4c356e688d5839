package record

import (
	"encoding/json"
	"math"
)

// Typed readers over Data. They never panic: a missing key or a value of the
// wrong type yields the zero value. Numbers decoded from JSON (float64 or
// json.Number) are accepted wherever an int or float is asked for.

// Has reports whether key is present in Data, even with a nil value.
func (r *Record) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.data[key]
	return ok
}

// Get returns a deep copy of the value stored under key. Mutating the
// result never changes the record.
func (r *Record) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[key]
	return deepCopyValue(v), ok
}

// raw is Get without the copy, for readers that only return scalars or
// copy themselves.
func (r *Record) raw(key string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[key]
}

func (r *Record) String(key string) string {
	s, _ := AsString(r.raw(key))
	return s
}

func (r *Record) Int(key string) int {
	i, _ := AsInt(r.raw(key))
	return i
}

func (r *Record) Float(key string) float64 {
	f, _ := AsFloat(r.raw(key))
	return f
}

func (r *Record) Bool(key string) bool {
	b, _ := r.raw(key).(bool)
	return b
}

// Strings returns a copy of a string list stored as []string or []any.
func (r *Record) Strings(key string) []string {
	s, _ := AsStrings(r.raw(key))
	return s
}

// Map returns a deep copy of a nested map value.
func (r *Record) Map(key string) map[string]any {
	m, ok := r.raw(key).(map[string]any)
	if !ok {
		return nil
	}
	return deepCopyAnyMap(m)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// AsString asserts v to string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsInt converts numeric values to int. Floats are truncated.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// AsFloat converts numeric values to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// AsStrings converts []string or []any (of strings) to a fresh []string.
func AsStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return copyStrings(s), true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
