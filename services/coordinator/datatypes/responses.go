// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ResponseRecord is one accepted participant response (a vote, a ballot
// line, a ranking slot, a categorization). The concrete meaning of
// ChoiceKey/Weight/Rank is owned by the activity's tool type; the
// consistency rules are uniform.
type ResponseRecord struct {
	ResponseID     string    `json:"responseId"`
	SessionID      string    `json:"sessionId"`
	ActivityID     string    `json:"activityId"`
	ParticipantID  string    `json:"participantId"`
	ChoiceKey      string    `json:"choiceKey"`
	Weight         float64   `json:"weight,omitempty"`
	Rank           int       `json:"rank,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// SubmitRequest is the inbound shape for submitting a response.
type SubmitRequest struct {
	ParticipantID  string  `json:"participantId" validate:"required,idsafe"`
	ChoiceKey      string  `json:"choiceKey" validate:"required,max=128"`
	Weight         float64 `json:"weight,omitempty" validate:"min=0"`
	Rank           int     `json:"rank,omitempty" validate:"min=0"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`

	// Facilitator marks a submission made on behalf of the facilitation
	// surface; it bypasses the roster scope gate, never the caps.
	Facilitator bool `json:"facilitator,omitempty"`
}

// SubmitResult reports an accepted (or replayed) submission.
type SubmitResult struct {
	Record ResponseRecord `json:"record"`

	// RemainingTotal is how many more responses the participant may submit
	// against the total cap; -1 means unbounded.
	RemainingTotal int `json:"remainingTotal"`

	// Replayed is true when an idempotency key matched a prior submission
	// and the original result was returned verbatim.
	Replayed bool `json:"replayed,omitempty"`
}

// RetractRequest is the inbound shape for removing a response.
type RetractRequest struct {
	ParticipantID string `json:"participantId" validate:"required,idsafe"`
	Facilitator   bool   `json:"facilitator,omitempty"`
}

// ConfigChangeRequest carries the persisted configuration and the proposed
// replacement for a config-lock check. The meeting service owns the CRUD;
// the coordinator only vets structural changes against existing data.
type ConfigChangeRequest struct {
	Current  ActivityConfig `json:"current" validate:"required"`
	Proposed ActivityConfig `json:"proposed" validate:"required"`
}

// CollisionCheckRequest asks whether a candidate roster for an activity
// overlaps any other live activity's effective participant set.
type CollisionCheckRequest struct {
	ActivityID     string                    `json:"activityId" validate:"required,idsafe"`
	ParticipantIDs []string                  `json:"participantIds" validate:"max=1024,dive,idsafe"`
	Configs        map[string]ActivityConfig `json:"configs,omitempty"`
}
