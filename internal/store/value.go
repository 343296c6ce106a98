package store

import "fmt"

// Normalize converts a value to the store's canonical in-memory forms:
// nil, bool, int64, float64, string, map[string]any. Integral floats become
// int64 so that counters read back as integers regardless of which codec
// produced them. Maps are normalized recursively; empty maps collapse to
// nil (an empty node does not exist).
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return int64(val), nil
	case float32:
		return normalizeFloat(float64(val)), nil
	case float64:
		return normalizeFloat(val), nil
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			norm, err := Normalize(child)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			if norm == nil {
				continue
			}
			out[k] = norm
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

// DeepCopy returns a copy of a normalized value that shares no map
// references with the original. Scalars are returned as-is.
func DeepCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = DeepCopy(child)
	}
	return out
}

// AsMap returns the value as a map, or (nil, false) for scalars and nil.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsInt returns the value as an int64. Floats are truncated; anything else
// reports false.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AsFloat returns the value as a float64 for percentage arithmetic.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// AsString returns the value as a string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// ChildCount returns the number of child keys of a map value, 0 otherwise.
// This is the cardinality read the completion handler performs on the
// membership set.
func ChildCount(v any) int {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	return len(m)
}
