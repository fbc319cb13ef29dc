// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state implements the per-session mutable state store and its
// patch/snapshot protocol.
//
// One state record exists per session id, created on first access and
// garbage-collected when the last participant leaves and nothing else
// keeps the session alive. All mutation of a given session is serialized
// through a single critical section; the lock is held only for bounded
// in-memory work, never across I/O. Readers receive fully materialized
// snapshot copies and never a reference into live structures.
//
// # Ordering
//
// Patches applied to the same session are observed by subsequent snapshot
// reads in application order. LastUpdated increases strictly on every
// successful mutation, even when the wall clock does not advance between
// two mutations.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
)

// session is the live, store-owned record for one session id.
// Never exposed outside the package; callers get snapshot copies.
type session struct {
	id                string
	currentActivityID string
	currentTool       string
	status            string
	metadata          map[string]any
	activities        map[string]datatypes.ActiveActivity
	participants      map[string]struct{}
	agenda            []datatypes.AgendaItem
	lastUpdated       time.Time
}

// Store holds all live session states, keyed by session id.
//
// The zero value is not usable; construct with NewStore. Store is an
// explicit injectable registry rather than package-level state so tests
// and multiple servers can hold independent instances.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewStore creates an empty Store using the system clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates a Store with an injectable clock for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		sessions: make(map[string]*session),
		now:      now,
	}
}

// Touch returns a snapshot of the session, creating the state record if
// this is the first access.
func (s *Store) Touch(sessionID string) datatypes.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(sessionID).snapshot()
}

// Snapshot returns a copy of the session state, or ok=false when the
// session does not exist. It never creates state.
func (s *Store) Snapshot(sessionID string) (datatypes.SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return datatypes.SessionSnapshot{}, false
	}
	return st.snapshot(), true
}

// ApplyPatch applies a partial structural update and returns the
// resulting snapshot. See datatypes.StatePatch for merge semantics.
func (s *Store) ApplyPatch(sessionID string, patch datatypes.StatePatch) (datatypes.SessionSnapshot, error) {
	return s.ApplyPatchGuarded(sessionID, patch, nil)
}

// ApplyPatchGuarded runs guard against the pre-mutation snapshot and,
// only if the guard accepts, applies the patch — all inside one critical
// section. Two concurrent start requests that would collide therefore
// serialize through the same check-then-mutate path and at most one wins.
//
// The guard must be pure and fast: it runs under the store lock.
func (s *Store) ApplyPatchGuarded(sessionID string, patch datatypes.StatePatch,
	guard func(datatypes.SessionSnapshot) error) (datatypes.SessionSnapshot, error) {

	entries, err := patch.ActivityEntries()
	if err != nil {
		return datatypes.SessionSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Creation is deferred until the guard accepts: a rejected patch
	// against an absent session must not leave an empty record behind.
	st, existed := s.sessions[sessionID]
	if !existed {
		st = &session{id: sessionID, lastUpdated: s.now()}
	}

	if guard != nil {
		if err := guard(st.snapshot()); err != nil {
			return datatypes.SessionSnapshot{}, err
		}
	}
	if !existed {
		s.sessions[sessionID] = st
	}

	now := s.now()

	// Scalars replace verbatim, explicit null clears.
	if patch.CurrentActivityID.Present {
		st.currentActivityID = patch.CurrentActivityID.Value
	}
	if patch.CurrentTool.Present {
		st.currentTool = patch.CurrentTool.Value
	}
	if patch.Status.Present {
		st.status = patch.Status.Value
	}

	// Metadata merges shallowly; values are sanitized at the boundary.
	if len(patch.Metadata) > 0 {
		if st.metadata == nil {
			st.metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			if k == "" {
				continue
			}
			st.metadata[k] = sanitizeValue(v)
		}
	}

	// Activity entries replace-or-delete per key.
	for id, entry := range entries {
		if entry == nil {
			delete(st.activities, id)
			continue
		}
		if st.activities == nil {
			st.activities = make(map[string]datatypes.ActiveActivity)
		}
		prev, had := st.activities[id]
		normalized := normalizeActivity(*entry, now)
		if had {
			reconcileElapsed(&normalized, prev, now)
		}
		st.activities[id] = normalized
	}

	// Participants are additive only.
	for _, pid := range normalizeParticipants(patch.Participants) {
		if st.participants == nil {
			st.participants = make(map[string]struct{})
		}
		st.participants[pid] = struct{}{}
	}

	st.stamp(now)
	return st.snapshot(), nil
}

// RegisterParticipant adds a participant and returns the new snapshot,
// creating the session on first access.
func (s *Store) RegisterParticipant(sessionID, participantID string) datatypes.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(sessionID)
	if st.participants == nil {
		st.participants = make(map[string]struct{})
	}
	st.participants[participantID] = struct{}{}
	st.stamp(s.now())
	return st.snapshot()
}

// UnregisterParticipant removes a participant. When the last participant
// leaves and nothing else keeps the session alive (no headline activity,
// no status, no active entries), the session state is deleted; deleted
// reports that outcome. Unregistering from an absent session is a no-op.
func (s *Store) UnregisterParticipant(sessionID, participantID string) (snap datatypes.SessionSnapshot, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return datatypes.SessionSnapshot{}, false
	}
	delete(st.participants, participantID)
	st.stamp(s.now())

	if len(st.participants) == 0 && st.idle() {
		delete(s.sessions, sessionID)
		return st.snapshot(), true
	}
	return st.snapshot(), false
}

// RenameParticipant replaces oldID with newID in the participant set and
// in every active activity roster that names it. Renaming on an absent
// session is fault.NotFound; renaming an unknown participant simply
// registers the new id (late identify after an anonymous connect).
func (s *Store) RenameParticipant(sessionID, oldID, newID string) (datatypes.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return datatypes.SessionSnapshot{}, fault.Newf(fault.NotFound, "session %q not found", sessionID)
	}

	if oldID != "" {
		delete(st.participants, oldID)
	}
	if st.participants == nil {
		st.participants = make(map[string]struct{})
	}
	st.participants[newID] = struct{}{}

	if oldID != "" {
		for id, entry := range st.activities {
			changed := false
			for i, pid := range entry.ParticipantIDs {
				if pid == oldID {
					entry.ParticipantIDs[i] = newID
					changed = true
				}
			}
			if changed {
				entry.ParticipantIDs = normalizeParticipants(entry.ParticipantIDs)
				st.activities[id] = entry
			}
		}
	}

	st.stamp(s.now())
	return st.snapshot(), nil
}

// RefreshAgenda replaces the denormalized agenda cache. The agenda is
// externally owned; the store only keeps a read-only copy for snapshot
// consumers.
func (s *Store) RefreshAgenda(sessionID string, items []datatypes.AgendaItem) datatypes.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(sessionID)
	st.agenda = append([]datatypes.AgendaItem(nil), items...)
	st.stamp(s.now())
	return st.snapshot()
}

// Reset deletes the session state entirely. Resetting an absent session
// is not an error; calling Reset twice leaves the session absent both
// times.
func (s *Store) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// List returns admin info for every live session, ordered by session id.
func (s *Store) List() []datatypes.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]datatypes.SessionInfo, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, datatypes.SessionInfo{
			SessionID:        st.id,
			ParticipantCount: len(st.participants),
			ActiveActivities: len(st.activities),
			LastUpdated:      st.lastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// =============================================================================
// Internal
// =============================================================================

func (s *Store) getOrCreateLocked(sessionID string) *session {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &session{
			id:          sessionID,
			lastUpdated: s.now(),
		}
		s.sessions[sessionID] = st
	}
	return st
}

// stamp advances lastUpdated, forcing strict monotonicity even when the
// clock is frozen or coarse.
func (st *session) stamp(now time.Time) {
	if !now.After(st.lastUpdated) {
		now = st.lastUpdated.Add(time.Nanosecond)
	}
	st.lastUpdated = now
}

// idle reports whether nothing besides participants keeps the session
// alive. A facilitator driving a session without an open connection keeps
// it through the headline fields or active entries.
func (st *session) idle() bool {
	return st.currentActivityID == "" &&
		st.currentTool == "" &&
		st.status == "" &&
		len(st.activities) == 0
}

// snapshot materializes a value copy with no shared mutable structure.
func (st *session) snapshot() datatypes.SessionSnapshot {
	snap := datatypes.SessionSnapshot{
		SessionID:         st.id,
		CurrentActivityID: st.currentActivityID,
		CurrentTool:       st.currentTool,
		Status:            st.status,
		Metadata:          copyMap(st.metadata),
		LastUpdated:       st.lastUpdated,
	}

	if len(st.activities) > 0 {
		snap.ActiveActivities = make(map[string]datatypes.ActiveActivity, len(st.activities))
		for id, entry := range st.activities {
			snap.ActiveActivities[id] = copyActivity(entry)
		}
	}

	snap.Participants = make([]string, 0, len(st.participants))
	for pid := range st.participants {
		snap.Participants = append(snap.Participants, pid)
	}
	sort.Strings(snap.Participants)

	if len(st.agenda) > 0 {
		snap.Agenda = make([]datatypes.AgendaItem, len(st.agenda))
		for i, item := range st.agenda {
			item.Config = copyMap(item.Config)
			snap.Agenda[i] = item
		}
	}

	return snap
}

// normalizeActivity sanitizes an inbound entry: participant list deduped
// and trimmed, metadata sanitized, status and start time defaulted.
func normalizeActivity(entry datatypes.ActiveActivity, now time.Time) datatypes.ActiveActivity {
	entry.ParticipantIDs = normalizeParticipants(entry.ParticipantIDs)
	entry.Metadata = sanitizeMap(entry.Metadata)
	if entry.Status == "" {
		entry.Status = datatypes.ActivityInProgress
	}
	if entry.StartedAt == nil && entry.Status == datatypes.ActivityInProgress {
		started := now
		entry.StartedAt = &started
	}
	if entry.ElapsedSeconds < 0 {
		entry.ElapsedSeconds = 0
	}
	return entry
}

// reconcileElapsed applies the pause/resume time accounting against the
// prior entry. ElapsedSeconds never decreases across cycles.
func reconcileElapsed(entry *datatypes.ActiveActivity, prev datatypes.ActiveActivity, now time.Time) {
	// Pause: fold the running span into the cumulative counter and stamp
	// the stop time unless the caller already did.
	if prev.Status == datatypes.ActivityInProgress && entry.Status == datatypes.ActivityPaused {
		if entry.StoppedAt == nil {
			stopped := now
			entry.StoppedAt = &stopped
		}
		if prev.StartedAt != nil {
			run := entry.StoppedAt.Sub(*prev.StartedAt).Seconds()
			if run > 0 {
				entry.ElapsedSeconds = prev.ElapsedSeconds + run
			}
		}
	}

	// Resume: restart the running span.
	if prev.Status == datatypes.ActivityPaused && entry.Status == datatypes.ActivityInProgress {
		started := now
		entry.StartedAt = &started
		entry.StoppedAt = nil
	}

	if entry.ElapsedSeconds < prev.ElapsedSeconds {
		entry.ElapsedSeconds = prev.ElapsedSeconds
	}
}

// copyActivity deep-copies one entry for snapshot emission.
func copyActivity(entry datatypes.ActiveActivity) datatypes.ActiveActivity {
	entry.Metadata = copyMap(entry.Metadata)
	entry.ParticipantIDs = append([]string(nil), entry.ParticipantIDs...)
	if entry.StartedAt != nil {
		started := *entry.StartedAt
		entry.StartedAt = &started
	}
	if entry.StoppedAt != nil {
		stopped := *entry.StoppedAt
		entry.StoppedAt = &stopped
	}
	return entry
}
