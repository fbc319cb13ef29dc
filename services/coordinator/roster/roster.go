// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package roster computes effective participant sets for activities and
// detects roster overlap between concurrently running activities.
//
// Everything here is a pure decision function over a session snapshot:
// the package never mutates state, so callers can run the same check
// inside the state store's guarded critical section (to win start races)
// and in a standalone pre-check endpoint, and tests can cover the rules
// exhaustively.
package roster

import (
	"sort"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
)

// Scope is the resolved roster scope for one activity. ParticipantIDs is
// populated only when Mode is custom.
type Scope struct {
	Mode           string   `json:"mode"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

// AllScope is the open scope: every current meeting participant may act.
func AllScope() Scope {
	return Scope{Mode: datatypes.ScopeAll}
}

// CustomScope restricts the activity to the given participants.
func CustomScope(participantIDs []string) Scope {
	return Scope{Mode: datatypes.ScopeCustom, ParticipantIDs: participantIDs}
}

// Allows reports whether a participant may act under this scope.
func (s Scope) Allows(participantID string) bool {
	if s.Mode != datatypes.ScopeCustom {
		return true
	}
	for _, pid := range s.ParticipantIDs {
		if pid == participantID {
			return true
		}
	}
	return false
}

// ResolveScope resolves the roster scope for an activity.
//
// Precedence, highest to lowest:
//  1. live ActiveActivity metadata (scopeMode / scopeParticipantIds)
//  2. explicit caller-supplied override
//  3. the activity's persisted configuration
//  4. fallback: all current meeting participants
func ResolveScope(snap datatypes.SessionSnapshot, activityID string,
	cfg *datatypes.ActivityConfig, override *Scope) Scope {

	if entry, ok := snap.ActiveActivities[activityID]; ok {
		if scope, found := scopeFromMetadata(entry.Metadata); found {
			return scope
		}
		// A live entry with an explicit roster is itself a custom scope.
		if len(entry.ParticipantIDs) > 0 {
			return CustomScope(entry.ParticipantIDs)
		}
	}

	if override != nil {
		return *override
	}

	if cfg != nil && cfg.ScopeMode == datatypes.ScopeCustom {
		return CustomScope(cfg.ScopeParticipantIDs)
	}
	if cfg != nil && cfg.ScopeMode == datatypes.ScopeAll {
		return AllScope()
	}

	return AllScope()
}

// scopeFromMetadata reads a live scope out of activity metadata. The
// participant list tolerates both []string and the []any shape JSON
// decoding produces.
func scopeFromMetadata(md map[string]any) (Scope, bool) {
	if md == nil {
		return Scope{}, false
	}
	mode, ok := md[datatypes.MetaScopeMode].(string)
	if !ok {
		return Scope{}, false
	}
	switch mode {
	case datatypes.ScopeAll:
		return AllScope(), true
	case datatypes.ScopeCustom:
		return CustomScope(stringList(md[datatypes.MetaScopeParticipants])), true
	default:
		return Scope{}, false
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// EffectiveParticipants expands an activity's scope into the concrete
// participant set used for collision math: a custom scope is its list,
// an open scope is every current meeting participant.
func EffectiveParticipants(snap datatypes.SessionSnapshot, activityID string,
	cfg *datatypes.ActivityConfig) []string {

	scope := ResolveScope(snap, activityID, cfg, nil)
	if scope.Mode == datatypes.ScopeCustom {
		return scope.ParticipantIDs
	}
	return snap.Participants
}

// LiveStatus reports whether the activity is currently live in the
// session and with which status.
//
// Deprecated compatibility shim: when no structured ActiveActivities
// entries exist, a set-and-running legacy single "current activity" field
// is honored as if it were one active entry. Older single-activity
// meetings rely on this; new callers should always populate
// ActiveActivities.
func LiveStatus(snap datatypes.SessionSnapshot, activityID string) (datatypes.ActivityStatus, bool) {
	if entry, ok := snap.ActiveActivities[activityID]; ok {
		if entry.Status.Live() {
			return entry.Status, true
		}
		return entry.Status, false
	}
	if len(snap.ActiveActivities) == 0 && snap.CurrentActivityID == activityID {
		status := datatypes.ActivityStatus(snap.Status)
		if status.Live() {
			return status, true
		}
	}
	return "", false
}

// Collision names one participant held by another live activity.
type Collision struct {
	ParticipantID string `json:"participantId"`
	ActivityID    string `json:"activityId"`
}

// CheckOptions tunes collision detection.
type CheckOptions struct {
	// Disabled short-circuits exclusivity entirely: deployments that
	// intentionally allow concurrent multi-activity participation get an
	// empty conflict set unconditionally.
	Disabled bool

	// Configs maps activity id to persisted configuration, consulted when
	// a live entry carries no scope of its own.
	Configs map[string]datatypes.ActivityConfig
}

// CheckCollisions intersects the candidate participant set with the
// effective participant set of every other live activity and returns the
// union of the intersections. An empty result means the start or roster
// change may proceed.
//
// The same legacy single-activity shim as LiveStatus applies: with no
// structured entries, a set-and-running current activity counts as one
// additional live activity.
func CheckCollisions(snap datatypes.SessionSnapshot, activityID string,
	candidates []string, opts CheckOptions) []Collision {

	if opts.Disabled || len(candidates) == 0 {
		return nil
	}

	candidateSet := make(map[string]struct{}, len(candidates))
	for _, pid := range candidates {
		candidateSet[pid] = struct{}{}
	}

	seen := make(map[Collision]struct{})
	var out []Collision

	record := func(otherID string, held []string) {
		for _, pid := range held {
			if _, ok := candidateSet[pid]; !ok {
				continue
			}
			c := Collision{ParticipantID: pid, ActivityID: otherID}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}

	for otherID, entry := range snap.ActiveActivities {
		if otherID == activityID || !entry.Status.Live() {
			continue
		}
		var cfg *datatypes.ActivityConfig
		if c, ok := opts.Configs[otherID]; ok {
			cfg = &c
		}
		record(otherID, EffectiveParticipants(snap, otherID, cfg))
	}

	if len(snap.ActiveActivities) == 0 &&
		snap.CurrentActivityID != "" &&
		snap.CurrentActivityID != activityID &&
		datatypes.ActivityStatus(snap.Status) == datatypes.ActivityInProgress {

		legacyID := snap.CurrentActivityID
		var cfg *datatypes.ActivityConfig
		if c, ok := opts.Configs[legacyID]; ok {
			cfg = &c
		}
		record(legacyID, EffectiveParticipants(snap, legacyID, cfg))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantID != out[j].ParticipantID {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].ActivityID < out[j].ActivityID
	})
	return out
}

// ParticipantIDs projects a collision list onto its distinct participant
// ids, preserving the sorted collision order.
func ParticipantIDs(collisions []Collision) []string {
	seen := make(map[string]struct{}, len(collisions))
	out := make([]string, 0, len(collisions))
	for _, c := range collisions {
		if _, dup := seen[c.ParticipantID]; dup {
			continue
		}
		seen[c.ParticipantID] = struct{}{}
		out = append(out, c.ParticipantID)
	}
	return out
}
