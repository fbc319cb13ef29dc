// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package responses implements the response consistency engine shared by
// every activity tool type.
//
// The engine owns the uniform submission rules: the liveness gate, the
// roster scope gate, total and per-choice caps, the retraction policy,
// idempotent resubmission, and config-lock-on-data. Tool types contribute
// only shape validation and aggregation through the Tool strategy.
//
// Liveness is always read from the live session state, never from
// persisted activity timestamps: a persisted "started" time may be stale
// relative to pause/resume cycles.
package responses

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
	"github.com/parleyhq/parley/services/coordinator/roster"
	"github.com/parleyhq/parley/services/coordinator/state"
)

// Archive is the external persistence collaborator for accepted
// responses. Implementations must be safe for concurrent use. Archive
// calls happen outside any session-state lock, but inside the engine's
// per-activity critical section.
type Archive interface {
	Append(ctx context.Context, rec datatypes.ResponseRecord) error
	Delete(ctx context.Context, sessionID, activityID, responseID string) error
	List(ctx context.Context, sessionID, activityID string) ([]datatypes.ResponseRecord, error)
}

// Engine enforces the consistency contract for participant responses.
type Engine struct {
	store   *state.Store
	archive Archive

	mu    sync.Mutex
	idem  map[string]idemEntry
	locks map[string]*sync.Mutex
}

// idemEntry remembers one keyed submission for replay.
type idemEntry struct {
	fingerprint string
	result      datatypes.SubmitResult
}

// NewEngine creates an Engine reading liveness from store and persisting
// through archive.
func NewEngine(store *state.Store, archive Archive) *Engine {
	return &Engine{
		store:   store,
		archive: archive,
		idem:    make(map[string]idemEntry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Submit accepts or rejects one response under the uniform rules.
//
// Gate order: liveness, scope, idempotent replay, tool validation,
// duplicate/conflict checks, caps. A rejection leaves all previously
// accepted responses intact (partial success, never rollback).
//
// The replay lookup, the archive read, the cap checks, and the append
// run under one per-activity critical section: two concurrent
// submissions for the same activity must not both observe the
// pre-append record count.
func (e *Engine) Submit(ctx context.Context, sessionID string,
	cfg datatypes.ActivityConfig, req datatypes.SubmitRequest) (datatypes.SubmitResult, error) {

	var zero datatypes.SubmitResult

	snap, ok := e.store.Snapshot(sessionID)
	if !ok {
		return zero, fault.Newf(fault.NotFound, "session %q not found", sessionID)
	}

	status, live := roster.LiveStatus(snap, cfg.ActivityID)
	if !live || status != datatypes.ActivityInProgress {
		return zero, fault.Newf(fault.NotLive,
			"activity %q is not open for responses", cfg.ActivityID)
	}

	scope := roster.ResolveScope(snap, cfg.ActivityID, &cfg, nil)
	if !req.Facilitator && !scope.Allows(req.ParticipantID) {
		return zero, fault.Newf(fault.ScopeDenied,
			"participant %q is not in the roster for activity %q",
			req.ParticipantID, cfg.ActivityID)
	}

	lock := e.activityLock(sessionID, cfg.ActivityID)
	lock.Lock()
	defer lock.Unlock()

	// Idempotent replay is resolved before caps: a retransmitted request
	// must see its original outcome even if later submissions filled the
	// participant's quota.
	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = idemIndexKey(sessionID, cfg.ActivityID, req.ParticipantID, req.IdempotencyKey)
		e.mu.Lock()
		entry, seen := e.idem[idemKey]
		e.mu.Unlock()
		if seen {
			if entry.fingerprint != fingerprint(req) {
				return zero, fault.Newf(fault.Conflict,
					"idempotency key %q was already used with a different payload",
					req.IdempotencyKey)
			}
			replay := entry.result
			replay.Replayed = true
			return replay, nil
		}
	}

	tool, err := ToolFor(cfg.Tool)
	if err != nil {
		return zero, err
	}
	if err := tool.Validate(cfg, req); err != nil {
		return zero, err
	}

	existing, err := e.archive.List(ctx, sessionID, cfg.ActivityID)
	if err != nil {
		return zero, fmt.Errorf("list responses: %w", err)
	}

	total := 0
	perChoice := 0
	for _, rec := range existing {
		if rec.ParticipantID != req.ParticipantID {
			continue
		}
		total++
		if rec.ChoiceKey == req.ChoiceKey {
			perChoice++
			if !tool.AllowsRepeats() {
				return zero, fault.Newf(fault.Conflict,
					"participant %q already responded for choice %q",
					req.ParticipantID, req.ChoiceKey)
			}
		}
		if tool.Conflicts(rec, req) {
			return zero, fault.Newf(fault.Conflict,
				"submission contradicts an existing response of participant %q",
				req.ParticipantID)
		}
	}

	if cfg.MaxTotal > 0 && total >= cfg.MaxTotal {
		return zero, fault.Newf(fault.CapExceeded,
			"participant %q reached the total response limit", req.ParticipantID).
			WithDetails(map[string]any{"limit": cfg.MaxTotal, "current": total, "cap": "total"})
	}
	if cfg.MaxPerChoice > 0 && perChoice >= cfg.MaxPerChoice {
		return zero, fault.Newf(fault.CapExceeded,
			"participant %q reached the per-choice limit for %q",
			req.ParticipantID, req.ChoiceKey).
			WithDetails(map[string]any{"limit": cfg.MaxPerChoice, "current": perChoice, "cap": "per_choice"})
	}

	rec := datatypes.ResponseRecord{
		ResponseID:     uuid.New().String(),
		SessionID:      sessionID,
		ActivityID:     cfg.ActivityID,
		ParticipantID:  req.ParticipantID,
		ChoiceKey:      req.ChoiceKey,
		Weight:         req.Weight,
		Rank:           req.Rank,
		IdempotencyKey: req.IdempotencyKey,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := e.archive.Append(ctx, rec); err != nil {
		return zero, fmt.Errorf("append response: %w", err)
	}

	remaining := -1
	if cfg.MaxTotal > 0 {
		remaining = cfg.MaxTotal - (total + 1)
	}
	result := datatypes.SubmitResult{Record: rec, RemainingTotal: remaining}

	if idemKey != "" {
		e.mu.Lock()
		e.idem[idemKey] = idemEntry{fingerprint: fingerprint(req), result: result}
		e.mu.Unlock()
	}

	return result, nil
}

// Retract removes one accepted response.
//
// Gates run policy first (a disabled retraction flag
// fails even when the response exists), then liveness (retraction is
// allowed while running or paused; stop closes it), then existence and
// ownership.
func (e *Engine) Retract(ctx context.Context, sessionID string,
	cfg datatypes.ActivityConfig, responseID string, req datatypes.RetractRequest) error {

	if !cfg.AllowRetraction {
		return fault.Newf(fault.PolicyDenied,
			"retraction is disabled for activity %q", cfg.ActivityID)
	}

	snap, ok := e.store.Snapshot(sessionID)
	if !ok {
		return fault.Newf(fault.NotFound, "session %q not found", sessionID)
	}
	if _, live := roster.LiveStatus(snap, cfg.ActivityID); !live {
		return fault.Newf(fault.NotLive,
			"activity %q is not open for retraction", cfg.ActivityID)
	}

	lock := e.activityLock(sessionID, cfg.ActivityID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.archive.List(ctx, sessionID, cfg.ActivityID)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}

	var target *datatypes.ResponseRecord
	for i := range existing {
		if existing[i].ResponseID == responseID {
			target = &existing[i]
			break
		}
	}
	if target == nil {
		return fault.Newf(fault.NotFound, "response %q not found", responseID)
	}
	if target.ParticipantID != req.ParticipantID && !req.Facilitator {
		return fault.Newf(fault.ScopeDenied,
			"response %q belongs to another participant", responseID)
	}

	if err := e.archive.Delete(ctx, sessionID, cfg.ActivityID, responseID); err != nil {
		return fmt.Errorf("delete response: %w", err)
	}

	// A retracted response no longer backs its idempotency key; dropping
	// the entry lets an intentional resubmission go through fresh.
	e.mu.Lock()
	for key, entry := range e.idem {
		if entry.result.Record.ResponseID == responseID {
			delete(e.idem, key)
		}
	}
	e.mu.Unlock()

	return nil
}

// structuralField pairs a locked configuration field with its comparison.
type structuralField struct {
	name    string
	changed func(current, proposed datatypes.ActivityConfig) bool
}

// structuralFields is the closed set of configuration fields frozen once
// response data exists. Title and instructions stay editable regardless.
var structuralFields = []structuralField{
	{"choices", func(c, p datatypes.ActivityConfig) bool { return !equalStrings(c.Choices, p.Choices) }},
	{"scoringMode", func(c, p datatypes.ActivityConfig) bool { return c.ScoringMode != p.ScoringMode }},
	{"quorum", func(c, p datatypes.ActivityConfig) bool { return c.Quorum != p.Quorum }},
	{"maxTotal", func(c, p datatypes.ActivityConfig) bool { return c.MaxTotal != p.MaxTotal }},
	{"maxPerChoice", func(c, p datatypes.ActivityConfig) bool { return c.MaxPerChoice != p.MaxPerChoice }},
	{"allowRetraction", func(c, p datatypes.ActivityConfig) bool { return c.AllowRetraction != p.AllowRetraction }},
}

// CheckConfigChange vets a proposed configuration change against the
// config-lock rule: once any response is accepted for the activity, the
// structural fields above become immutable. The returned fault names
// exactly which fields are locked and why.
func (e *Engine) CheckConfigChange(ctx context.Context, sessionID string,
	chg datatypes.ConfigChangeRequest) error {

	if chg.Current.ActivityID != chg.Proposed.ActivityID {
		return fault.New(fault.Conflict, "current and proposed configs name different activities")
	}

	existing, err := e.archive.List(ctx, sessionID, chg.Current.ActivityID)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	if len(existing) == 0 {
		return nil
	}

	var locked []string
	for _, field := range structuralFields {
		if field.changed(chg.Current, chg.Proposed) {
			locked = append(locked, field.name)
		}
	}
	if len(locked) == 0 {
		return nil
	}

	return fault.Newf(fault.ConfigLocked,
		"activity %q has %d accepted responses; structural fields are locked",
		chg.Current.ActivityID, len(existing)).
		WithDetails(map[string]any{
			"lockedFields": locked,
			"responses":    len(existing),
			"reason":       "responses already exist for this activity",
		})
}

// Tally returns the live per-choice aggregation for an activity.
func (e *Engine) Tally(ctx context.Context, sessionID string,
	cfg datatypes.ActivityConfig) (map[string]float64, error) {

	tool, err := ToolFor(cfg.Tool)
	if err != nil {
		return nil, err
	}
	records, err := e.archive.List(ctx, sessionID, cfg.ActivityID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return tool.Tally(records), nil
}

// List exposes the accepted records for an activity (admin surface).
func (e *Engine) List(ctx context.Context, sessionID, activityID string) ([]datatypes.ResponseRecord, error) {
	return e.archive.List(ctx, sessionID, activityID)
}

// PurgeSession drops the engine's in-memory bookkeeping for one session:
// idempotency entries and per-activity locks. Called on session reset so
// a reused session id starts clean instead of replaying results whose
// records no longer exist.
func (e *Engine) PurgeSession(sessionID string) {
	prefix := sessionID + "\x00"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.idem {
		if strings.HasPrefix(key, prefix) {
			delete(e.idem, key)
		}
	}
	for key := range e.locks {
		if strings.HasPrefix(key, prefix) {
			delete(e.locks, key)
		}
	}
}

// activityLock returns the mutex serializing archive reads and writes
// for one (session, activity) pair.
func (e *Engine) activityLock(sessionID, activityID string) *sync.Mutex {
	key := sessionID + "\x00" + activityID
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

func idemIndexKey(sessionID, activityID, participantID, key string) string {
	return sessionID + "\x00" + activityID + "\x00" + participantID + "\x00" + key
}

// fingerprint captures the materially significant payload of a
// submission for replay comparison.
func fingerprint(req datatypes.SubmitRequest) string {
	return fmt.Sprintf("%s\x00%g\x00%d", req.ChoiceKey, req.Weight, req.Rank)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
