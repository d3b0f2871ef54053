// Package protocol holds the shared helpers for building and normalizing
// router messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NormalizeTo normalizes a message's `to` field into a list of non-empty
// strings. Accepted inputs are a list of strings or a comma-separated string.
func NormalizeTo(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return normalizeList(items)
	case []any:
		return normalizeList(v)
	case string:
		var parts []string
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			return nil, errors.New("to string must contain at least one target")
		}
		return parts, nil
	default:
		return nil, errors.New("to must be a list of strings or a comma-separated string")
	}
}

func normalizeList(items []any) ([]string, error) {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, errors.New("to list must contain non-empty strings")
		}
		normalized = append(normalized, strings.TrimSpace(s))
	}
	if len(normalized) == 0 {
		return nil, errors.New("to list must not be empty")
	}
	return normalized, nil
}

// EncodeBody renders a body value as the single-line string the wire format
// requires. Maps are JSON-encoded; strings pass through after a newline
// check; nil becomes the empty string.
func EncodeBody(body any) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		if strings.ContainsAny(v, "\n\r") {
			return "", errors.New("body must be single-line string")
		}
		return v, nil
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode body: %w", err)
		}
		return string(encoded), nil
	default:
		return "", errors.New("body must be a map or string")
	}
}
