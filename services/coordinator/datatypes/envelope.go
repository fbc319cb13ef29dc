// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "encoding/json"

// Envelope is the realtime message frame used in both directions over a
// persistent connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
}

// Outbound builds an envelope whose payload is marshaled from v.
// Marshal failures degrade to an error envelope rather than dropping the
// frame, so a client never sees silence where a reply was due.
func Outbound(msgType string, v any) Envelope {
	payload, err := json.Marshal(v)
	if err != nil {
		fallback, _ := json.Marshal(map[string]string{"error": "payload encoding failed"})
		return Envelope{Type: MsgError, Payload: fallback}
	}
	return Envelope{Type: msgType, Payload: payload}
}

// Inbound message types recognized by the websocket handler.
const (
	MsgPing         = "ping"
	MsgIdentify     = "identify"
	MsgStateRequest = "state_request"
	MsgStateUpdate  = "state_update"
	MsgBroadcast    = "broadcast"
)

// Outbound message types emitted by the coordinator.
const (
	MsgPong                  = "pong"
	MsgError                 = "error"
	MsgConnectionAck         = "connection_ack"
	MsgMeetingState          = "meeting_state"
	MsgParticipantJoined     = "participant_joined"
	MsgParticipantLeft       = "participant_left"
	MsgParticipantIdentified = "participant_identified"
	MsgResponsesUpdated      = "responses_updated"
)

// IdentifyPayload carries the participant id for an identify message.
type IdentifyPayload struct {
	ParticipantID string `json:"participantId" validate:"required,idsafe"`
}

// BroadcastPayload is the relay shape: the caller-chosen type is re-emitted
// to every other connection with the given payload.
type BroadcastPayload struct {
	Type    string          `json:"type" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectionAck is the first frame sent on every new connection.
type ConnectionAck struct {
	ConnectionID  string          `json:"connectionId"`
	ParticipantID string          `json:"participantId,omitempty"`
	Participants  []string        `json:"participants"`
	State         SessionSnapshot `json:"state"`
}

// PresencePayload announces participant_joined / participant_left /
// participant_identified events.
type PresencePayload struct {
	ConnectionID  string `json:"connectionId"`
	ParticipantID string `json:"participantId,omitempty"`
}
