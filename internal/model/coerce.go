package model

import "strconv"

// IntLike coerces a decoded JSON value into an int64. Accepted forms are
// integral numbers and all-digit strings; booleans are rejected even though
// they satisfy numeric interfaces in some decoders.
func IntLike(value any) (int64, bool) {
	switch v := value.(type) {
	case bool:
		return 0, false
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case string:
		if v == "" {
			return 0, false
		}
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// IsIntLike reports whether IntLike would accept the value.
func IsIntLike(value any) bool {
	_, ok := IntLike(value)
	return ok
}

// GetString returns the field as a string if present and string-typed.
func GetString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetInt returns the field coerced via IntLike, or 0 when absent/invalid.
func GetInt(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return IntLike(v)
}

// StringList extracts the string items of a decoded JSON value: a []any of
// strings, a []string, or a single string yields its members; anything else
// yields nil.
func StringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			out = append(out, s)
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
