// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/services/coordinator/config"
	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/hub"
	"github.com/parleyhq/parley/services/coordinator/observability"
	"github.com/parleyhq/parley/services/coordinator/responses"
	"github.com/parleyhq/parley/services/coordinator/roster"
	"github.com/parleyhq/parley/services/coordinator/state"
)

// controlPatchBody is the inbound control patch plus the persisted
// activity configurations the collision check needs for scope
// resolution of other live activities.
type controlPatchBody struct {
	datatypes.StatePatch
	Configs map[string]datatypes.ActivityConfig `json:"configs,omitempty"`
}

// ApplyStatePatch is the control endpoint for lifecycle transitions:
// the external caller translates start/pause/resume/stop into a patch
// shape and posts it here. The resulting snapshot is returned and
// broadcast to every realtime connection as meeting_state.
func ApplyStatePatch(store *state.Store, registry *hub.Registry,
	settings config.SettingsSource) gin.HandlerFunc {

	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if !datatypes.ValidID(sessionID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxPatchBytes)
		var body controlPatchBody
		if err := c.ShouldBindJSON(&body); err != nil {
			observability.Default.PatchesTotal.WithLabelValues("invalid").Inc()
			writeBadRequest(c, err)
			return
		}
		if body.StatePatch.Empty() {
			observability.Default.PatchesTotal.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "patch carries no changes"})
			return
		}

		snap, err := applyGuardedPatch(store, settings, sessionID, body.StatePatch, body.Configs)
		if err != nil {
			observability.Default.PatchesTotal.WithLabelValues("rejected").Inc()
			writeFault(c, err)
			return
		}
		observability.Default.PatchesTotal.WithLabelValues("applied").Inc()
		observability.Default.SessionsActive.Set(float64(store.Len()))

		// Fan-out happens after the lock is released; a stalled client
		// cannot stall the mutation path.
		registry.Broadcast(sessionID, datatypes.MsgMeetingState,
			datatypes.Outbound(datatypes.MsgMeetingState, snap), "")

		c.JSON(http.StatusOK, snap)
	}
}

// CheckCollisions is the pure pre-check endpoint: it reports roster
// overlap without mutating anything, so facilitation UIs can warn before
// attempting a start.
func CheckCollisions(store *state.Store, settings config.SettingsSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if !datatypes.ValidID(sessionID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		var req datatypes.CollisionCheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		if err := datatypes.Validate(req); err != nil {
			writeBadRequest(c, err)
			return
		}

		snap, ok := store.Snapshot(sessionID)
		if !ok {
			// No live state means nothing can collide.
			c.JSON(http.StatusOK, gin.H{"conflicts": []roster.Collision{}, "participants": []string{}})
			return
		}

		collisions := roster.CheckCollisions(snap, req.ActivityID, req.ParticipantIDs,
			roster.CheckOptions{
				Disabled: settings.Current().AllowConcurrentParticipation,
				Configs:  req.Configs,
			})

		c.JSON(http.StatusOK, gin.H{
			"conflicts":    collisions,
			"participants": roster.ParticipantIDs(collisions),
		})
	}
}

// ListSessions returns admin info for every live session.
func ListSessions(store *state.Store, registry *hub.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := store.List()
		type listEntry struct {
			datatypes.SessionInfo
			Connections int `json:"connections"`
		}
		out := make([]listEntry, len(infos))
		for i, info := range infos {
			out[i] = listEntry{
				SessionInfo: info,
				Connections: registry.ConnectionCount(info.SessionID),
			}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	}
}

// GetSession returns the current snapshot, 404 when absent.
func GetSession(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		snap, ok := store.Snapshot(sessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// SessionPurger drops archived responses for a whole session.
type SessionPurger interface {
	PurgeSession(ctx context.Context, sessionID string) error
}

// ResetSession deletes the session state, purges its archived responses,
// and drops the engine's idempotency bookkeeping so a reused session id
// cannot replay pre-reset results. Idempotent: resetting an absent
// session succeeds.
func ResetSession(store *state.Store, engine *responses.Engine, purger SessionPurger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		slog.Info("resetting session", "session_id", sessionID)

		store.Reset(sessionID)
		if purger != nil {
			if err := purger.PurgeSession(c.Request.Context(), sessionID); err != nil {
				slog.Error("failed to purge archived responses", "session_id", sessionID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully reset session"})
				return
			}
		}
		if engine != nil {
			engine.PurgeSession(sessionID)
		}
		observability.Default.SessionsActive.Set(float64(store.Len()))
		c.JSON(http.StatusOK, gin.H{"status": "success", "reset_session_id": sessionID})
	}
}

// RefreshAgenda replaces the denormalized agenda cache for a session.
func RefreshAgenda(store *state.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if !datatypes.ValidID(sessionID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		var items []datatypes.AgendaItem
		if err := c.ShouldBindJSON(&items); err != nil {
			writeBadRequest(c, err)
			return
		}
		snap := store.RefreshAgenda(sessionID, items)
		c.JSON(http.StatusOK, snap)
	}
}
