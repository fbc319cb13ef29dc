// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sanitizeValue coerces a metadata value into a JSON-safe shape.
//
// Primitive scalars, lists, and string-keyed maps pass through with their
// contents sanitized recursively. Anything else is coerced to its string
// form rather than rejected: losing one metadata field's type is less
// harmful than losing an entire lifecycle transition.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case map[string]any:
		return sanitizeMap(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sanitizeMap returns a sanitized copy of m. Keys with empty names are
// dropped; the input map is never mutated.
func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

// copyValue deep-copies an already sanitized value so snapshots share no
// mutable structure with live state.
func copyValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	default:
		return val
	}
}

// copyMap deep-copies a sanitized metadata map; nil stays nil.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// normalizeParticipants trims, drops empties, and deduplicates while
// preserving first-seen order.
func normalizeParticipants(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
