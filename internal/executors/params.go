package executors

import (
	"encoding/json"
	"time"
)

// Param helpers shared by the built-in executors.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int64) int64 {
	switch n := m[key].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return i
	default:
		return defaultVal
	}
}

// durationParam accepts a Go duration string or a millisecond count.
func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	if s, ok := m[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		return defaultVal
	}
	if ms := intParam(m, key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
