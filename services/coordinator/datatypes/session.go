// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared wire and state types for the
// coordinator service: session snapshots, activity entries, control
// patches, realtime envelopes, and response records.
//
// Types in this package are value types. Snapshots in particular are
// fully materialized copies with no shared mutable structure, safe to
// hand to any reader or to JSON-encode onto a connection.
package datatypes

import (
	"time"
)

// ActivityStatus is the lifecycle status of a live activity.
type ActivityStatus string

const (
	// ActivityInProgress means the activity is running and accepting responses.
	ActivityInProgress ActivityStatus = "in_progress"

	// ActivityPaused means the activity is suspended; elapsed time is frozen.
	ActivityPaused ActivityStatus = "paused"
)

// Live reports whether the status counts as live (running or paused).
func (s ActivityStatus) Live() bool {
	return s == ActivityInProgress || s == ActivityPaused
}

// Metadata keys recognized inside ActiveActivity.Metadata for roster scoping.
// A live scope recorded here takes precedence over persisted configuration.
const (
	MetaScopeMode         = "scopeMode"
	MetaScopeParticipants = "scopeParticipantIds"
)

// Scope modes for roster resolution.
const (
	ScopeAll    = "all"
	ScopeCustom = "custom"
)

// ActiveActivity is one live (running or paused) activity within a session.
//
// Entries are created when a start action succeeds, mutated on
// pause/resume/roster changes, and removed on stop. Entries replace
// wholesale on patch; callers must read-modify-write.
type ActiveActivity struct {
	ActivityID     string         `json:"activityId"`
	Tool           string         `json:"tool,omitempty"`
	Status         ActivityStatus `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ParticipantIDs []string       `json:"participantIds,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	StoppedAt      *time.Time     `json:"stoppedAt,omitempty"`

	// ElapsedSeconds accumulates run time across pause/resume cycles and
	// never decreases.
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// AgendaItem is a denormalized, externally supplied agenda entry. The
// coordinator treats the agenda cache as read-only and refreshes it
// opportunistically when the owning service pushes a new copy.
type AgendaItem struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Position int            `json:"position"`
	Config   map[string]any `json:"config,omitempty"`
}

// SessionSnapshot is an immutable, fully materialized view of one
// session's coordination state.
//
// The single CurrentActivityID/CurrentTool/Status scalars describe the
// "headline" activity and are kept for backward compatibility with
// single-activity meeting views; ActiveActivities is the authoritative
// multi-activity map.
type SessionSnapshot struct {
	SessionID         string                    `json:"sessionId"`
	CurrentActivityID string                    `json:"currentActivityId,omitempty"`
	CurrentTool       string                    `json:"currentTool,omitempty"`
	Status            string                    `json:"status,omitempty"`
	Metadata          map[string]any            `json:"metadata,omitempty"`
	ActiveActivities  map[string]ActiveActivity `json:"activeActivities,omitempty"`
	Participants      []string                  `json:"participants"`
	Agenda            []AgendaItem              `json:"agenda,omitempty"`
	LastUpdated       time.Time                 `json:"lastUpdated"`
}

// SessionInfo is the admin-listing view of a live session.
type SessionInfo struct {
	SessionID        string    `json:"sessionId"`
	ParticipantCount int       `json:"participantCount"`
	ActiveActivities int       `json:"activeActivities"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// ActivityConfig is the persisted configuration of one agenda activity,
// supplied by the external meeting service on each call. The coordinator
// never stores it; it only reads it for scope resolution, cap enforcement,
// and config-lock checks.
type ActivityConfig struct {
	ActivityID   string `json:"activityId" validate:"required,idsafe"`
	Tool         string `json:"tool" validate:"omitempty,oneof=vote ballot ranking categorize"`
	Title        string `json:"title,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	// Structural fields. Once any response is accepted for the activity
	// these become immutable (fault.ConfigLocked on change).
	Choices     []string `json:"choices,omitempty"`
	ScoringMode string   `json:"scoringMode,omitempty"`
	Quorum      int      `json:"quorum,omitempty" validate:"min=0"`

	// MaxTotal and MaxPerChoice cap accepted responses per participant.
	// Zero means unbounded.
	MaxTotal     int `json:"maxTotal,omitempty" validate:"min=0"`
	MaxPerChoice int `json:"maxPerChoice,omitempty" validate:"min=0"`

	// AllowRetraction gates response removal requests.
	AllowRetraction bool `json:"allowRetraction"`

	// Persisted roster scope, consulted when no live scope metadata exists.
	ScopeMode           string   `json:"scopeMode,omitempty" validate:"omitempty,oneof=all custom"`
	ScopeParticipantIDs []string `json:"scopeParticipantIds,omitempty"`
}
