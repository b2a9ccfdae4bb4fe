package utils

import "fmt"

// GetMapField gets a field from a map[string]any and asserts its type.
func GetMapField[T any](m map[string]any, key string) (T, error) {
	var zero T
	value, exists := m[key]
	if !exists {
		return zero, fmt.Errorf("field '%s' not found", key)
	}
	if typed, ok := value.(T); ok {
		return typed, nil
	}
	return zero, fmt.Errorf("field '%s' expected type %T, got %T", key, zero, value)
}

// GetMapFieldOr gets a field with a default for missing or mistyped values.
func GetMapFieldOr[T any](m map[string]any, key string, defaultValue T) T {
	if value, err := GetMapField[T](m, key); err == nil {
		return value
	}
	return defaultValue
}

// OptionalString returns a pointer to a string field, nil when absent or null.
func OptionalString(m map[string]any, key string) (*string, error) {
	value, exists := m[key]
	if !exists || value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("field '%s' expected type string, got %T", key, value)
	}
	return &s, nil
}
