// Package serialization provides the JSON value serializer used by the storage
// backends to encode property values.
package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"polygene/pkg/entity"
)

// JSON serializes property values as JSON text. Times use RFC 3339 with
// nanoseconds in UTC; integers are decoded as int64 and floats as float64.
type JSON struct{}

var _ entity.ValueSerializer = JSON{}

// Serialize implements entity.ValueSerializer.
func (JSON) Serialize(value any) (string, error) {
	if t, ok := value.(time.Time); ok {
		value = t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialize value: %w", err)
	}
	return string(b), nil
}

// Deserialize implements entity.ValueSerializer.
func (JSON) Deserialize(_ *entity.Module, kind entity.ValueKind, text string) (any, error) {
	switch kind {
	case entity.KindString:
		var s string
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("deserialize string: %w", err)
		}
		return s, nil
	case entity.KindInt:
		return decodeInt(text)
	case entity.KindFloat:
		var f float64
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return nil, fmt.Errorf("deserialize float: %w", err)
		}
		return f, nil
	case entity.KindBool:
		var b bool
		if err := json.Unmarshal([]byte(text), &b); err != nil {
			return nil, fmt.Errorf("deserialize bool: %w", err)
		}
		return b, nil
	case entity.KindTime:
		var s string
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("deserialize time: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("deserialize time: %w", err)
		}
		return t.UTC(), nil
	case entity.KindValue, "":
		return decodeValue(text)
	default:
		return nil, fmt.Errorf("deserialize: unsupported value kind %q", kind)
	}
}

func decodeInt(text string) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, fmt.Errorf("deserialize int: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("deserialize int: %q is not an integer", text)
	}
	return int64(f), nil
}

func decodeValue(text string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("deserialize value: %w", err)
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers turns json.Number into int64 when integral and float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeNumbers(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeNumbers(inner)
		}
		return t
	default:
		return v
	}
}
