package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical serializes a store value to deterministic JSON: object
// keys sorted bytewise, strings NFC-normalized, no HTML escaping, integers
// without exponent notation. The journal and the golden-trace harness both
// rely on byte-identical output for identical trees, so this is the only
// codec that may be used for persisted snapshots.
//
// Unlike a hashing codec, nil and floats are legal here: the store is
// schemaless and both occur in live trees (absent nodes, fractional
// progress inputs).
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int64:
		return strconv.AppendInt(nil, val, 10), nil
	case int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case float64:
		if val == float64(int64(val)) {
			return strconv.AppendInt(nil, int64(val), 10), nil
		}
		return strconv.AppendFloat(nil, val, 'g', -1, 64), nil
	case string:
		return canonicalString(val)
	case map[string]any:
		return canonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// canonicalString encodes a string NFC-normalized and without HTML escaping.
func canonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	// json.Encoder appends a trailing newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func canonicalObject(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := canonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalCanonical(m[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalValue decodes JSON produced by MarshalCanonical (or any JSON)
// back into normalized store values. Numbers are decoded via json.Number so
// integer counters larger than 2^53 round-trip without float precision loss.
func UnmarshalValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return fromJSON(raw)
}

func fromJSON(raw any) (any, error) {
	switch val := raw.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", val.String(), err)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			conv, err := fromJSON(child)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	case []any:
		return nil, fmt.Errorf("arrays are not store values")
	default:
		return Normalize(val)
	}
}
