// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the coordinator's HTTP control surface and
// the realtime WebSocket endpoint.
//
// Handlers translate transport shapes into calls against the state
// store, the connection registry, the roster coordinator, and the
// response engine, and translate typed faults back into HTTP statuses.
// No coordination logic lives here.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/services/coordinator/config"
	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
	"github.com/parleyhq/parley/services/coordinator/observability"
	"github.com/parleyhq/parley/services/coordinator/roster"
	"github.com/parleyhq/parley/services/coordinator/state"
)

// writeFault renders a typed rejection. Non-fault errors surface as 500
// with a generic message; the detail stays in the server log.
func writeFault(c *gin.Context, err error) {
	code := fault.CodeOf(err)
	observability.Default.RejectionsTotal.WithLabelValues(string(code)).Inc()

	body := gin.H{"code": code}
	var f *fault.Fault
	if errors.As(err, &f) {
		body["error"] = f.Message
		if f.Details != nil {
			body["details"] = f.Details
		}
	} else {
		body["error"] = "internal error"
	}
	c.JSON(fault.HTTPStatus(code), body)
}

// writeBadRequest renders a malformed-input rejection (binding or
// validation failure) without entering the fault taxonomy.
func writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// applyGuardedPatch applies a patch with the roster collision check run
// inside the same critical section as the mutation, so two concurrent
// colliding starts serialize and at most one wins.
//
// Only entries the patch introduces or re-rosters are checked. The
// configs map (persisted activity configurations, caller-supplied) feeds
// scope resolution for the *other* live activities.
func applyGuardedPatch(store *state.Store, settings config.SettingsSource,
	sessionID string, patch datatypes.StatePatch,
	configs map[string]datatypes.ActivityConfig) (datatypes.SessionSnapshot, error) {

	entries, err := patch.ActivityEntries()
	if err != nil {
		return datatypes.SessionSnapshot{}, err
	}

	opts := roster.CheckOptions{
		Disabled: settings.Current().AllowConcurrentParticipation,
		Configs:  configs,
	}

	guard := func(pre datatypes.SessionSnapshot) error {
		for id, entry := range entries {
			if entry == nil || !entry.Status.Live() {
				continue
			}
			candidates := entry.ParticipantIDs
			if len(candidates) == 0 {
				// Open-scope start: every current participant is a candidate.
				candidates = pre.Participants
			}
			collisions := roster.CheckCollisions(pre, id, candidates, opts)
			if len(collisions) > 0 {
				return fault.Newf(fault.Conflict,
					"participants are held by another running activity").
					WithDetails(map[string]any{
						"activityId":   id,
						"conflicts":    collisions,
						"participants": roster.ParticipantIDs(collisions),
					})
			}
		}
		return nil
	}

	return store.ApplyPatchGuarded(sessionID, patch, guard)
}
