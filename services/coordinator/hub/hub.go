// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hub implements the connection registry and broadcast fan-out.
//
// The registry tracks live connections per session. Broadcasting iterates
// over a point-in-time snapshot of the connection list, attempts delivery
// to each, and prunes exactly the connections whose sends failed after the
// iteration completes — the live registry is never mutated while being
// iterated, so a send callback that disconnects another connection
// mid-broadcast is safe.
//
// Connections and participants are tracked separately: removal of the last
// connection never destroys session-level data, because a participant may
// reconnect with a new connection without being "new". Session state
// lifecycle is the state store's concern.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
	"github.com/parleyhq/parley/services/coordinator/observability"
)

// serverEmitted is the closed set of broadcast types the coordinator
// itself produces. Anything else is a client-relayed type and collapses
// to one "relay" metric label so callers cannot mint unbounded label
// values.
var serverEmitted = map[string]struct{}{
	datatypes.MsgMeetingState:          {},
	datatypes.MsgParticipantJoined:     {},
	datatypes.MsgParticipantLeft:       {},
	datatypes.MsgParticipantIdentified: {},
	datatypes.MsgResponsesUpdated:      {},
}

func broadcastLabel(msgType string) string {
	if _, ok := serverEmitted[msgType]; ok {
		return msgType
	}
	return "relay"
}

// Transport is the opaque send capability owned by one connection.
// Implementations must be safe for concurrent Send calls.
type Transport interface {
	Send(v any) error
	Close() error
}

// ConnectionInfo is the read-only listing view of one connection.
type ConnectionInfo struct {
	ConnectionID  string `json:"connectionId"`
	ParticipantID string `json:"participantId,omitempty"`
}

// conn is the registry-owned record for one live connection. The registry
// owns it exclusively for the connection's lifetime; it is never shared.
type conn struct {
	id            string
	participantID string
	transport     Transport
}

// Registry tracks live connections keyed by session id.
//
// Registry is an explicit injectable object, not process-wide state.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*conn
	metrics  *observability.CoordinatorMetrics
}

// NewRegistry creates an empty Registry reporting to the default metrics.
func NewRegistry() *Registry {
	return NewRegistryWithMetrics(observability.Default)
}

// NewRegistryWithMetrics creates a Registry with injectable metrics.
func NewRegistryWithMetrics(metrics *observability.CoordinatorMetrics) *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*conn),
		metrics:  metrics,
	}
}

// Connect registers a transport under the session and returns the new
// connection id. participantID may be empty; it is settable later via
// UpdateParticipant when the client sends an identify message.
func (r *Registry) Connect(sessionID string, transport Transport, participantID string) string {
	connID := uuid.New().String()

	r.mu.Lock()
	conns, ok := r.sessions[sessionID]
	if !ok {
		conns = make(map[string]*conn)
		r.sessions[sessionID] = conns
	}
	conns[connID] = &conn{
		id:            connID,
		participantID: participantID,
		transport:     transport,
	}
	r.mu.Unlock()

	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ConnectionsActive.Inc()

	slog.Debug("connection registered",
		"session_id", sessionID, "connection_id", connID, "participant_id", participantID)
	return connID
}

// Disconnect removes a connection. It returns the participant id the
// connection carried and whether the connection existed. The transport is
// closed best-effort; disconnecting twice is a no-op.
func (r *Registry) Disconnect(sessionID, connectionID string) (participantID string, existed bool) {
	r.mu.Lock()
	conns, ok := r.sessions[sessionID]
	var removed *conn
	if ok {
		if c, found := conns[connectionID]; found {
			removed = c
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(r.sessions, sessionID)
			}
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return "", false
	}

	_ = removed.transport.Close()
	r.metrics.ConnectionsActive.Dec()
	slog.Debug("connection removed", "session_id", sessionID, "connection_id", connectionID)
	return removed.participantID, true
}

// UpdateParticipant sets the participant id on an existing connection.
func (r *Registry) UpdateParticipant(sessionID, connectionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.sessions[sessionID]
	if !ok {
		return fault.Newf(fault.NotFound, "session %q has no connections", sessionID)
	}
	c, ok := conns[connectionID]
	if !ok {
		return fault.Newf(fault.NotFound, "connection %q not found", connectionID)
	}
	c.participantID = participantID
	return nil
}

// ParticipantConnections counts live connections carrying the given
// participant id. Used on disconnect to decide whether the participant
// has really left or merely dropped one of several tabs.
func (r *Registry) ParticipantConnections(sessionID, participantID string) int {
	if participantID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, c := range r.sessions[sessionID] {
		if c.participantID == participantID {
			count++
		}
	}
	return count
}

// Broadcast delivers msg to every connection in the session except
// skipConnectionID (empty means everyone). Delivery happens outside the
// registry lock over a point-in-time snapshot; connections whose sends
// fail are pruned after the iteration and a failed send is not retried.
// Returns the number of successful deliveries.
func (r *Registry) Broadcast(sessionID string, msgType string, msg any, skipConnectionID string) int {
	start := time.Now()

	// Point-in-time snapshot of the connection list.
	r.mu.Lock()
	conns := r.sessions[sessionID]
	targets := make([]*conn, 0, len(conns))
	for _, c := range conns {
		if c.id == skipConnectionID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	delivered := 0
	var failed []string
	for _, c := range targets {
		if err := c.transport.Send(msg); err != nil {
			slog.Warn("broadcast send failed, pruning connection",
				"session_id", sessionID, "connection_id", c.id, "error", err)
			failed = append(failed, c.id)
			continue
		}
		delivered++
	}

	for _, connID := range failed {
		r.metrics.SendFailuresTotal.Inc()
		// Disconnect re-checks existence, so a connection already removed
		// by a send callback is not double-counted.
		r.Disconnect(sessionID, connID)
	}

	r.metrics.BroadcastsTotal.WithLabelValues(broadcastLabel(msgType)).Inc()
	r.metrics.BroadcastDurationSeconds.Observe(time.Since(start).Seconds())
	return delivered
}

// SendTo delivers msg to one connection. A transport failure prunes the
// connection and returns the error.
func (r *Registry) SendTo(sessionID, connectionID string, msg any) error {
	r.mu.Lock()
	conns := r.sessions[sessionID]
	c, ok := conns[connectionID]
	r.mu.Unlock()

	if !ok {
		return fault.Newf(fault.NotFound, "connection %q not found", connectionID)
	}
	if err := c.transport.Send(msg); err != nil {
		r.metrics.SendFailuresTotal.Inc()
		r.Disconnect(sessionID, connectionID)
		return err
	}
	return nil
}

// Connections lists the session's connections ordered by connection id.
func (r *Registry) Connections(sessionID string) []ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.sessions[sessionID]
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{ConnectionID: c.id, ParticipantID: c.participantID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// ConnectionCount returns the number of live connections for the session.
func (r *Registry) ConnectionCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}
