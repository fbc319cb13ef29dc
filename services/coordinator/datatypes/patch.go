// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Optional Scalars
// =============================================================================

// OptionalString distinguishes "absent", "explicit null", and "set" for
// scalar patch fields. Absent leaves the field alone; null clears it;
// a string replaces it verbatim.
type OptionalString struct {
	// Present is true when the key appeared in the patch at all.
	Present bool

	// Value is the new value; empty when the patch carried null.
	Value string
}

// UnmarshalJSON records presence and treats null as an explicit clear.
func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = ""
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON emits the value, or null when cleared.
func (o OptionalString) MarshalJSON() ([]byte, error) {
	if o.Value == "" {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// =============================================================================
// State Patch
// =============================================================================

// MaxPatchBytes is the maximum accepted size of one control patch body.
// Patches describe lifecycle transitions, not bulk data; anything larger
// indicates a misbehaving caller.
const MaxPatchBytes = 256 * 1024 // 256KB

// StatePatch is a partial structural update to session state, consumed
// from the control endpoint and from `state_update` realtime messages.
//
// Semantics (applied by the state store):
//   - Scalars replace verbatim when present, including explicit null to clear.
//   - Metadata merges shallowly; values are sanitized to JSON-safe shapes.
//   - ActiveActivities accepts a map keyed by activity id or a list of
//     entries carrying an id; per key, null deletes, otherwise the entry
//     replaces the prior one wholesale after normalization.
//   - Participants are additive (union); removal only happens through
//     explicit unregister.
type StatePatch struct {
	CurrentActivityID OptionalString  `json:"currentActivityId,omitzero"`
	CurrentTool       OptionalString  `json:"currentTool,omitzero"`
	Status            OptionalString  `json:"status,omitzero"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	ActiveActivities  json.RawMessage `json:"activeActivities,omitempty"`
	Participants      []string        `json:"participants,omitempty"`
}

// Empty reports whether the patch carries no changes at all.
func (p StatePatch) Empty() bool {
	return !p.CurrentActivityID.Present &&
		!p.CurrentTool.Present &&
		!p.Status.Present &&
		len(p.Metadata) == 0 &&
		len(p.ActiveActivities) == 0 &&
		len(p.Participants) == 0
}

// ActivityEntries decodes the ActiveActivities payload into a uniform
// map form. A nil value in the returned map means "delete this entry".
//
// Both accepted shapes normalize to the same map:
//
//	{"A1": {...}, "A2": null}          — map keyed by activity id
//	[{"activityId": "A1", ...}, ...]   — list of entries carrying an id
func (p StatePatch) ActivityEntries() (map[string]*ActiveActivity, error) {
	if len(p.ActiveActivities) == 0 {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(p.ActiveActivities)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	entries := make(map[string]*ActiveActivity)

	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode activeActivities map: %w", err)
		}
		for id, body := range raw {
			if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
				entries[id] = nil
				continue
			}
			var entry ActiveActivity
			if err := json.Unmarshal(body, &entry); err != nil {
				return nil, fmt.Errorf("decode activity %q: %w", id, err)
			}
			// The map key wins over any divergent id inside the entry.
			entry.ActivityID = id
			entries[id] = &entry
		}

	case len(trimmed) > 0 && trimmed[0] == '[':
		var list []ActiveActivity
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode activeActivities list: %w", err)
		}
		for i := range list {
			entry := list[i]
			if entry.ActivityID == "" {
				return nil, fmt.Errorf("activeActivities list entry %d has no activityId", i)
			}
			entries[entry.ActivityID] = &entry
		}

	default:
		return nil, fmt.Errorf("activeActivities must be a map or a list")
	}

	return entries, nil
}
