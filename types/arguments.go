package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Arguments is the key/value map handed to a job constructor. It is stored as JSON text.
type Arguments map[string]any

func (a Arguments) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(a))
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	return string(b), nil
}

func (a *Arguments) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = Arguments{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported arguments type %T", src)
	}
	if len(raw) == 0 {
		*a = Arguments{}
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	*a = m
	return nil
}

// String returns the value stored under key, or "" if absent or not a string.
func (a Arguments) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int64 returns the numeric value under key. JSON numbers decode as float64.
func (a Arguments) Int64(key string) (int64, bool) {
	switch v := a[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}
