package entity

import (
	"fmt"
	"math"
	"time"
)

// InvalidValueError reports a property value that does not fit the declared
// kind of the property.
type InvalidValueError struct {
	Type     string
	Property string
	Kind     ValueKind
	Value    any
	Reason   string
}

func (e *InvalidValueError) Error() string {
	msg := fmt.Sprintf("entity type %s: property %q of kind %s cannot hold %T", e.Type, e.Property, e.Kind, e.Value)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is implements errors.Is support.
func (e *InvalidValueError) Is(target error) bool { return target == ErrInvalidValue }

// NormalizeValue converts v to the canonical Go representation of kind:
// string, int64, float64, bool, UTC time.Time, or for KindValue a tree of
// map[string]any, []any, string, bool, int64 and float64. Integral floats
// inside a KindValue become int64, matching what a JSON round trip yields.
// The returned error carries only the reason; callers add context.
func NormalizeValue(kind ValueKind, v any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindInt:
		if i, ok, err := asInt64(v); ok {
			return i, err
		}
	case KindFloat:
		if f, ok := asFloat64(v); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("non-finite float")
			}
			return f, nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case KindValue, "":
		return normalizeTree(v)
	default:
		return nil, fmt.Errorf("unsupported kind")
	}
	return nil, fmt.Errorf("wrong type")
}

func normalizeTree(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			n, err := normalizeTree(inner)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = inner
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			n, err := normalizeTree(inner)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = inner
		}
		return out, nil
	}
	if i, ok, err := asInt64(v); ok {
		return i, err
	}
	if f, ok := asFloat64(v); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite float")
		}
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return f, nil
	}
	return nil, fmt.Errorf("%T is not a JSON value", v)
}

// asInt64 reports ok for every Go integer type; err is set on uint overflow.
func asInt64(v any) (int64, bool, error) {
	switch n := v.(type) {
	case int:
		return int64(n), true, nil
	case int8:
		return int64(n), true, nil
	case int16:
		return int64(n), true, nil
	case int32:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), true, nil
	case uint16:
		return int64(n), true, nil
	case uint32:
		return int64(n), true, nil
	case uint64:
		return uintToInt64(n)
	}
	return 0, false, nil
}

func uintToInt64(n uint64) (int64, bool, error) {
	if n > math.MaxInt64 {
		return 0, true, fmt.Errorf("%d overflows int64", n)
	}
	return int64(n), true, nil
}

func asFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	}
	if i, ok, err := asInt64(v); ok && err == nil {
		return float64(i), true
	}
	return 0, false
}
