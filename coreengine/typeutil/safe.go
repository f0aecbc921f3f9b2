// Package typeutil provides comma-ok coercion helpers for the loosely-typed
// values that arrive in inbound messages and config maps.
package typeutil

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// SafeMapStringAny asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeInt coerces int-like values. float64 is accepted because JSON decodes
// every number as float64; fractional floats and values outside the int
// range are rejected.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, false
		}
		// -math.MinInt is the first float beyond math.MaxInt
		if v < math.MinInt || v >= -math.MinInt {
			return 0, false
		}
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil || i < math.MinInt || i > math.MaxInt {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// SafeFloat64 coerces numeric values, json.Number and numeric strings to float64.
// The result may be NaN or Inf; use FiniteFloat64 when that matters.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FiniteFloat64 is SafeFloat64 that also rejects NaN and ±Inf.
func FiniteFloat64(value any) (float64, bool) {
	f, ok := SafeFloat64(value)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// SafeBool asserts value to bool.
func SafeBool(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}

// SafeStringSlice asserts value to []string, accepting []any of strings.
func SafeStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, s)
		}
		return result, true
	default:
		return nil, false
	}
}

// FirstValue returns the value of the first key present in m.
func FirstValue(m map[string]any, keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, "", false
}

// FirstString returns the first key in m holding a non-empty string.
func FirstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := SafeString(m[k]); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
