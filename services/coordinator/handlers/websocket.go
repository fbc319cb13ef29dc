// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/services/coordinator/config"
	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
	"github.com/parleyhq/parley/services/coordinator/hub"
	"github.com/parleyhq/parley/services/coordinator/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  datatypes.MaxPatchBytes,
	WriteBufferSize: datatypes.MaxPatchBytes,
}

// HandleMeetingWebSocket upgrades the connection, registers it, and runs
// the realtime message loop until the client disconnects.
//
// Protocol (see datatypes envelope constants): on connect the server
// sends one connection_ack with the connection id, resolved participant
// id, current roster, and a full snapshot, then broadcasts
// participant_joined to everyone else. Teardown broadcasts
// participant_left best-effort and never blocks on acknowledgment.
func HandleMeetingWebSocket(store *state.Store, registry *hub.Registry,
	settings config.SettingsSource) gin.HandlerFunc {

	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if !datatypes.ValidID(sessionID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		participantID := strings.TrimSpace(c.Query("participantId"))
		if participantID != "" && !datatypes.ValidID(participantID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		// Oversized frames are cut off at the transport, not after they
		// have been buffered.
		ws.SetReadLimit(datatypes.MaxPatchBytes)

		transport := hub.NewWebSocketTransport(ws)
		connID := registry.Connect(sessionID, transport, participantID)
		slog.Info("websocket client connected",
			"session_id", sessionID, "connection_id", connID, "participant_id", participantID)

		var snap datatypes.SessionSnapshot
		if participantID != "" {
			snap = store.RegisterParticipant(sessionID, participantID)
		} else {
			snap = store.Touch(sessionID)
		}

		ack := datatypes.Outbound(datatypes.MsgConnectionAck, datatypes.ConnectionAck{
			ConnectionID:  connID,
			ParticipantID: participantID,
			Participants:  snap.Participants,
			State:         snap,
		})
		if err := registry.SendTo(sessionID, connID, ack); err != nil {
			// Could not even deliver the ack; the registry already pruned us.
			return
		}

		registry.Broadcast(sessionID, datatypes.MsgParticipantJoined,
			datatypes.Outbound(datatypes.MsgParticipantJoined, datatypes.PresencePayload{
				ConnectionID:  connID,
				ParticipantID: participantID,
			}), connID)

		sess := &wsSession{
			store:     store,
			registry:  registry,
			settings:  settings,
			sessionID: sessionID,
			connID:    connID,
		}

		for {
			var env datatypes.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				slog.Info("websocket client disconnected",
					"session_id", sessionID, "connection_id", connID, "error", err.Error())
				break
			}
			sess.dispatch(env)
		}

		sess.teardown()
	}
}

// wsSession is the per-connection dispatch state. It exists apart from
// the gin handler so message routing is unit-testable with a fake
// transport.
type wsSession struct {
	store     *state.Store
	registry  *hub.Registry
	settings  config.SettingsSource
	sessionID string
	connID    string
}

// dispatch routes one inbound envelope. Unrecognized types get an error
// reply; a reply failure means the registry already pruned the
// connection, which the read loop will notice on its own.
func (s *wsSession) dispatch(env datatypes.Envelope) {
	switch env.Type {
	case datatypes.MsgPing:
		s.reply(datatypes.Outbound(datatypes.MsgPong, map[string]any{
			"timestamp": time.Now().UnixMilli(),
		}))

	case datatypes.MsgIdentify:
		s.handleIdentify(env.Payload)

	case datatypes.MsgStateRequest:
		snap, ok := s.store.Snapshot(s.sessionID)
		if !ok {
			snap = s.store.Touch(s.sessionID)
		}
		s.reply(datatypes.Outbound(datatypes.MsgMeetingState, snap))

	case datatypes.MsgStateUpdate:
		s.handleStateUpdate(env.Payload)

	case datatypes.MsgBroadcast:
		s.handleRelay(env.Payload)

	default:
		s.replyError("unrecognized message type: " + env.Type)
	}
}

func (s *wsSession) handleIdentify(payload json.RawMessage) {
	var p datatypes.IdentifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.replyError("identify payload must carry a participantId")
		return
	}
	if err := datatypes.Validate(p); err != nil {
		s.replyError("invalid participant id")
		return
	}

	previous := s.currentParticipant()
	if err := s.registry.UpdateParticipant(s.sessionID, s.connID, p.ParticipantID); err != nil {
		s.replyError("connection no longer registered")
		return
	}
	if _, err := s.store.RenameParticipant(s.sessionID, previous, p.ParticipantID); err != nil {
		// Session state vanished between connect and identify; recreate.
		s.store.RegisterParticipant(s.sessionID, p.ParticipantID)
	}

	s.registry.Broadcast(s.sessionID, datatypes.MsgParticipantIdentified,
		datatypes.Outbound(datatypes.MsgParticipantIdentified, datatypes.PresencePayload{
			ConnectionID:  s.connID,
			ParticipantID: p.ParticipantID,
		}), "")
}

func (s *wsSession) handleStateUpdate(payload json.RawMessage) {
	if len(payload) > datatypes.MaxPatchBytes {
		s.replyError("patch exceeds size limit")
		return
	}
	var patch datatypes.StatePatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		s.replyError("state_update payload must be a patch object")
		return
	}

	snap, err := applyGuardedPatch(s.store, s.settings, s.sessionID, patch, nil)
	if err != nil {
		if fault.CodeOf(err) == fault.Conflict {
			s.reply(datatypes.Outbound(datatypes.MsgError, map[string]any{
				"error":   "roster collision",
				"code":    fault.Conflict,
				"details": fault.DetailsOf(err),
			}))
			return
		}
		s.replyError("patch rejected: " + err.Error())
		return
	}

	// The sender sees the new state too, not only the other connections.
	s.registry.Broadcast(s.sessionID, datatypes.MsgMeetingState,
		datatypes.Outbound(datatypes.MsgMeetingState, snap), "")
}

func (s *wsSession) handleRelay(payload json.RawMessage) {
	var p datatypes.BroadcastPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Type == "" {
		s.replyError("broadcast payload must carry a type")
		return
	}
	if err := datatypes.Validate(p); err != nil {
		s.replyError("invalid broadcast type")
		return
	}
	s.registry.Broadcast(s.sessionID, p.Type,
		datatypes.Envelope{Type: p.Type, Payload: p.Payload}, s.connID)
}

// teardown unregisters the connection and, when no other connection
// still carries the participant, unregisters the participant and
// announces the departure. Best-effort: nothing here blocks on clients.
func (s *wsSession) teardown() {
	participantID, existed := s.registry.Disconnect(s.sessionID, s.connID)
	if !existed {
		return
	}

	if participantID != "" && s.registry.ParticipantConnections(s.sessionID, participantID) == 0 {
		s.store.UnregisterParticipant(s.sessionID, participantID)
	}

	s.registry.Broadcast(s.sessionID, datatypes.MsgParticipantLeft,
		datatypes.Outbound(datatypes.MsgParticipantLeft, datatypes.PresencePayload{
			ConnectionID:  s.connID,
			ParticipantID: participantID,
		}), "")
}

func (s *wsSession) currentParticipant() string {
	for _, info := range s.registry.Connections(s.sessionID) {
		if info.ConnectionID == s.connID {
			return info.ParticipantID
		}
	}
	return ""
}

func (s *wsSession) reply(env datatypes.Envelope) {
	if err := s.registry.SendTo(s.sessionID, s.connID, env); err != nil {
		slog.Warn("websocket reply failed",
			"session_id", s.sessionID, "connection_id", s.connID, "error", err)
	}
}

func (s *wsSession) replyError(msg string) {
	s.reply(datatypes.Outbound(datatypes.MsgError, map[string]any{"error": msg}))
}
