// Package jsonutil provides shared utilities for JSON parsing patterns:
// error handling, type conversion, and loose value comparison.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalWithContext unmarshals JSON data into v and wraps any error
// with the provided context message.
func UnmarshalWithContext(data []byte, v interface{}, context string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// GetString safely extracts a string value from a map[string]interface{}.
// Returns the value if it's a string, otherwise returns empty string.
func GetString(m map[string]interface{}, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

// GetMap safely extracts a nested object from a map[string]interface{}.
// Returns nil if the key is absent or not an object.
func GetMap(m map[string]interface{}, key string) map[string]interface{} {
	if val, ok := m[key].(map[string]interface{}); ok {
		return val
	}
	return nil
}

// ToString converts an interface{} value to a string representation.
// Handles string, float64 (formatted as integer), bool, and other types.
func ToString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// UnmarshalLineSafe unmarshals a single JSON line into v.
// Returns false if the line is empty or cannot be parsed, true on success.
// Useful when parsing a stream where some lines may be invalid.
func UnmarshalLineSafe(line []byte, v interface{}) bool {
	if len(bytes.TrimSpace(line)) == 0 {
		return false
	}
	return json.Unmarshal(line, v) == nil
}

// Equal reports whether two values are equal after JSON normalization.
// Both values are round-tripped through encoding/json so that e.g. int(3)
// and float64(3) from a decoded document compare equal. nil compares equal
// to JSON null and to an absent field decoded as nil.
func Equal(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
