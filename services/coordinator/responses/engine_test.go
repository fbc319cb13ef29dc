// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// Tests for the response consistency engine

package responses

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
	"github.com/parleyhq/parley/services/coordinator/state"
)

// memArchive is a map-backed Archive for engine tests.
type memArchive struct {
	mu      sync.Mutex
	records []datatypes.ResponseRecord
}

func (m *memArchive) Append(_ context.Context, rec datatypes.ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memArchive) Delete(_ context.Context, sessionID, activityID, responseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.records[:0]
	for _, rec := range m.records {
		if rec.SessionID == sessionID && rec.ActivityID == activityID && rec.ResponseID == responseID {
			continue
		}
		out = append(out, rec)
	}
	m.records = out
	return nil
}

func (m *memArchive) List(_ context.Context, sessionID, activityID string) ([]datatypes.ResponseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datatypes.ResponseRecord
	for _, rec := range m.records {
		if rec.SessionID == sessionID && rec.ActivityID == activityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// newLiveEngine builds an engine whose store holds one running activity
// A1 open to everyone, with participants u1 and u2 registered.
func newLiveEngine(t *testing.T) (*Engine, *state.Store) {
	t.Helper()
	store := state.NewStore()
	store.RegisterParticipant("s1", "u1")
	store.RegisterParticipant("s1", "u2")
	_, err := store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"in_progress"}}`),
	})
	require.NoError(t, err)
	return NewEngine(store, &memArchive{}), store
}

func voteConfig() datatypes.ActivityConfig {
	return datatypes.ActivityConfig{
		ActivityID: "A1",
		Tool:       ToolVote,
		Choices:    []string{"c1", "c2", "c3"},
	}
}

func submit(pid, choice string) datatypes.SubmitRequest {
	return datatypes.SubmitRequest{ParticipantID: pid, ChoiceKey: choice}
}

// =============================================================================
// Gate Order
// =============================================================================

func TestSubmit_UnknownSessionIsNotFound(t *testing.T) {
	engine := NewEngine(state.NewStore(), &memArchive{})
	_, err := engine.Submit(context.Background(), "ghost", voteConfig(), submit("u1", "c1"))
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

func TestSubmit_PausedActivityIsNotLive(t *testing.T) {
	store := state.NewStore()
	store.RegisterParticipant("s1", "u1")
	_, err := store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"paused"}}`),
	})
	require.NoError(t, err)

	engine := NewEngine(store, &memArchive{})
	_, err = engine.Submit(context.Background(), "s1", voteConfig(), submit("u1", "c1"))
	assert.Equal(t, fault.NotLive, fault.CodeOf(err))
}

func TestSubmit_ScopeDeniedOutsideCustomRoster(t *testing.T) {
	store := state.NewStore()
	store.RegisterParticipant("s1", "u1")
	store.RegisterParticipant("s1", "u2")
	_, err := store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(
			`{"A1":{"status":"in_progress","participantIds":["u1"]}}`),
	})
	require.NoError(t, err)
	engine := NewEngine(store, &memArchive{})

	_, err = engine.Submit(context.Background(), "s1", voteConfig(), submit("u2", "c1"))
	assert.Equal(t, fault.ScopeDenied, fault.CodeOf(err))

	// The facilitator flag bypasses the scope gate only.
	req := submit("u2", "c1")
	req.Facilitator = true
	_, err = engine.Submit(context.Background(), "s1", voteConfig(), req)
	assert.NoError(t, err)
}

func TestSubmit_UnknownChoiceRejected(t *testing.T) {
	engine, _ := newLiveEngine(t)
	_, err := engine.Submit(context.Background(), "s1", voteConfig(), submit("u1", "nope"))
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

// =============================================================================
// Duplicates and Caps
// =============================================================================

func TestSubmit_DuplicateChoiceConflicts(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	_, err := engine.Submit(ctx, "s1", voteConfig(), submit("u1", "c1"))
	require.NoError(t, err)

	_, err = engine.Submit(ctx, "s1", voteConfig(), submit("u1", "c1"))
	assert.Equal(t, fault.Conflict, fault.CodeOf(err))

	// A different participant voting the same choice is fine.
	_, err = engine.Submit(ctx, "s1", voteConfig(), submit("u2", "c1"))
	assert.NoError(t, err)
}

func TestSubmit_MaxTotalCapBoundary(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()
	cfg := voteConfig()
	cfg.MaxTotal = 2

	first, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, first.RemainingTotal)

	second, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c2"))
	require.NoError(t, err)
	assert.Equal(t, 0, second.RemainingTotal)

	_, err = engine.Submit(ctx, "s1", cfg, submit("u1", "c3"))
	require.Equal(t, fault.CapExceeded, fault.CodeOf(err))
	details := fault.DetailsOf(err)
	assert.Equal(t, 2, details["limit"])
	assert.Equal(t, 2, details["current"])

	// The rejection left the first two accepted responses intact.
	records, err := engine.List(ctx, "s1", "A1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSubmit_MaxPerChoiceCap(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()
	cfg := datatypes.ActivityConfig{
		ActivityID:   "A1",
		Tool:         ToolCategorize,
		Choices:      []string{"bucket"},
		MaxPerChoice: 1,
	}

	_, err := engine.Submit(ctx, "s1", cfg, submit("u1", "bucket"))
	require.NoError(t, err)

	_, err = engine.Submit(ctx, "s1", cfg, submit("u1", "bucket"))
	assert.Equal(t, fault.CapExceeded, fault.CodeOf(err))
}

func TestSubmit_ZeroCapsMeanUnbounded(t *testing.T) {
	engine, _ := newLiveEngine(t)
	res, err := engine.Submit(context.Background(), "s1", voteConfig(), submit("u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, -1, res.RemainingTotal)
}

// =============================================================================
// Idempotency
// =============================================================================

func TestSubmit_IdempotentReplay(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	req := submit("u1", "c1")
	req.IdempotencyKey = "k1"

	first, err := engine.Submit(ctx, "s1", voteConfig(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// Retransmission returns the original record, not a second accept.
	again, err := engine.Submit(ctx, "s1", voteConfig(), req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Record.ResponseID, again.Record.ResponseID)

	records, err := engine.List(ctx, "s1", "A1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSubmit_IdempotencyKeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	req := submit("u1", "c1")
	req.IdempotencyKey = "k1"
	_, err := engine.Submit(ctx, "s1", voteConfig(), req)
	require.NoError(t, err)

	req.ChoiceKey = "c2"
	_, err = engine.Submit(ctx, "s1", voteConfig(), req)
	assert.Equal(t, fault.Conflict, fault.CodeOf(err))
}

func TestSubmit_ReplayWinsOverFilledQuota(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()
	cfg := voteConfig()
	cfg.MaxTotal = 2

	keyed := submit("u1", "c1")
	keyed.IdempotencyKey = "k1"
	_, err := engine.Submit(ctx, "s1", cfg, keyed)
	require.NoError(t, err)
	_, err = engine.Submit(ctx, "s1", cfg, submit("u1", "c2"))
	require.NoError(t, err)

	// The quota is now full, but the retransmission still replays.
	res, err := engine.Submit(ctx, "s1", cfg, keyed)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

// =============================================================================
// Retraction
// =============================================================================

func TestRetract_PolicyCheckedBeforeExistence(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	res, err := engine.Submit(ctx, "s1", voteConfig(), submit("u1", "c1"))
	require.NoError(t, err)

	// AllowRetraction=false fails even though the response exists.
	err = engine.Retract(ctx, "s1", voteConfig(), res.Record.ResponseID,
		datatypes.RetractRequest{ParticipantID: "u1"})
	assert.Equal(t, fault.PolicyDenied, fault.CodeOf(err))
}

func TestRetract_OwnershipAndSuccess(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()
	cfg := voteConfig()
	cfg.AllowRetraction = true

	res, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c1"))
	require.NoError(t, err)

	err = engine.Retract(ctx, "s1", cfg, res.Record.ResponseID,
		datatypes.RetractRequest{ParticipantID: "u2"})
	assert.Equal(t, fault.ScopeDenied, fault.CodeOf(err))

	// Facilitators may retract on a participant's behalf.
	err = engine.Retract(ctx, "s1", cfg, res.Record.ResponseID,
		datatypes.RetractRequest{ParticipantID: "u2", Facilitator: true})
	require.NoError(t, err)

	records, err := engine.List(ctx, "s1", "A1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRetract_UnknownResponseIsNotFound(t *testing.T) {
	engine, _ := newLiveEngine(t)
	cfg := voteConfig()
	cfg.AllowRetraction = true
	err := engine.Retract(context.Background(), "s1", cfg, "ghost",
		datatypes.RetractRequest{ParticipantID: "u1"})
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

func TestRetract_AllowedWhilePaused(t *testing.T) {
	engine, store := newLiveEngine(t)
	ctx := context.Background()
	cfg := voteConfig()
	cfg.AllowRetraction = true

	res, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c1"))
	require.NoError(t, err)

	_, err = store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"paused"}}`),
	})
	require.NoError(t, err)

	err = engine.Retract(ctx, "s1", cfg, res.Record.ResponseID,
		datatypes.RetractRequest{ParticipantID: "u1"})
	assert.NoError(t, err)
}

func TestRetract_FreesIdempotencyKey(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()
	cfg := voteConfig()
	cfg.AllowRetraction = true

	req := submit("u1", "c1")
	req.IdempotencyKey = "k1"
	res, err := engine.Submit(ctx, "s1", cfg, req)
	require.NoError(t, err)

	require.NoError(t, engine.Retract(ctx, "s1", cfg, res.Record.ResponseID,
		datatypes.RetractRequest{ParticipantID: "u1"}))

	// The key no longer replays: an intentional resubmission is fresh.
	again, err := engine.Submit(ctx, "s1", cfg, req)
	require.NoError(t, err)
	assert.False(t, again.Replayed)
	assert.NotEqual(t, res.Record.ResponseID, again.Record.ResponseID)
}

// =============================================================================
// Config Lock
// =============================================================================

func TestCheckConfigChange(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	current := voteConfig()
	proposed := current
	proposed.Choices = []string{"c1", "c2"}

	t.Run("no responses means no lock", func(t *testing.T) {
		err := engine.CheckConfigChange(ctx, "s1",
			datatypes.ConfigChangeRequest{Current: current, Proposed: proposed})
		assert.NoError(t, err)
	})

	_, err := engine.Submit(ctx, "s1", current, submit("u1", "c1"))
	require.NoError(t, err)

	t.Run("structural change locked once data exists", func(t *testing.T) {
		err := engine.CheckConfigChange(ctx, "s1",
			datatypes.ConfigChangeRequest{Current: current, Proposed: proposed})
		require.Equal(t, fault.ConfigLocked, fault.CodeOf(err))
		details := fault.DetailsOf(err)
		assert.Equal(t, []string{"choices"}, details["lockedFields"])
		assert.Equal(t, 1, details["responses"])
	})

	t.Run("cosmetic change stays allowed", func(t *testing.T) {
		cosmetic := current
		cosmetic.Title = "New Title"
		cosmetic.Instructions = "Updated wording"
		err := engine.CheckConfigChange(ctx, "s1",
			datatypes.ConfigChangeRequest{Current: current, Proposed: cosmetic})
		assert.NoError(t, err)
	})

	t.Run("every structural field reported", func(t *testing.T) {
		all := current
		all.ScoringMode = "weighted"
		all.Quorum = 3
		all.MaxTotal = 5
		all.MaxPerChoice = 2
		all.AllowRetraction = true
		err := engine.CheckConfigChange(ctx, "s1",
			datatypes.ConfigChangeRequest{Current: current, Proposed: all})
		require.Equal(t, fault.ConfigLocked, fault.CodeOf(err))
		assert.ElementsMatch(t,
			[]string{"scoringMode", "quorum", "maxTotal", "maxPerChoice", "allowRetraction"},
			fault.DetailsOf(err)["lockedFields"])
	})

	t.Run("mismatched activity ids conflict", func(t *testing.T) {
		other := proposed
		other.ActivityID = "A2"
		err := engine.CheckConfigChange(ctx, "s1",
			datatypes.ConfigChangeRequest{Current: current, Proposed: other})
		assert.Equal(t, fault.Conflict, fault.CodeOf(err))
	})
}

// =============================================================================
// Tally
// =============================================================================

func TestTally_PerTool(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	t.Run("vote counts voices", func(t *testing.T) {
		cfg := voteConfig()
		_, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c1"))
		require.NoError(t, err)
		_, err = engine.Submit(ctx, "s1", cfg, submit("u2", "c1"))
		require.NoError(t, err)

		tally, err := engine.Tally(ctx, "s1", cfg)
		require.NoError(t, err)
		assert.Equal(t, 2.0, tally["c1"])
	})

	t.Run("ballot sums weights", func(t *testing.T) {
		store := state.NewStore()
		store.RegisterParticipant("s2", "u1")
		_, err := store.ApplyPatch("s2", datatypes.StatePatch{
			ActiveActivities: json.RawMessage(`{"B1":{"status":"in_progress"}}`),
		})
		require.NoError(t, err)
		ballots := NewEngine(store, &memArchive{})
		cfg := datatypes.ActivityConfig{ActivityID: "B1", Tool: ToolBallot, Choices: []string{"c1", "c2"}}

		_, err = ballots.Submit(ctx, "s2", cfg,
			datatypes.SubmitRequest{ParticipantID: "u1", ChoiceKey: "c1", Weight: 3})
		require.NoError(t, err)
		_, err = ballots.Submit(ctx, "s2", cfg,
			datatypes.SubmitRequest{ParticipantID: "u1", ChoiceKey: "c2", Weight: 2})
		require.NoError(t, err)

		tally, err := ballots.Tally(ctx, "s2", cfg)
		require.NoError(t, err)
		assert.Equal(t, 3.0, tally["c1"])
		assert.Equal(t, 2.0, tally["c2"])
	})
}

// =============================================================================
// Tool Validation
// =============================================================================

func TestToolValidation(t *testing.T) {
	engine, _ := newLiveEngine(t)
	ctx := context.Background()

	t.Run("ballot requires positive weight", func(t *testing.T) {
		cfg := datatypes.ActivityConfig{ActivityID: "A1", Tool: ToolBallot, Choices: []string{"c1"}}
		_, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c1"))
		assert.Equal(t, fault.PolicyDenied, fault.CodeOf(err))
	})

	t.Run("ranking rejects rank slot reuse", func(t *testing.T) {
		cfg := datatypes.ActivityConfig{ActivityID: "A1", Tool: ToolRanking, Choices: []string{"c1", "c2"}}
		_, err := engine.Submit(ctx, "s1", cfg,
			datatypes.SubmitRequest{ParticipantID: "u1", ChoiceKey: "c1", Rank: 1})
		require.NoError(t, err)

		_, err = engine.Submit(ctx, "s1", cfg,
			datatypes.SubmitRequest{ParticipantID: "u1", ChoiceKey: "c2", Rank: 1})
		assert.Equal(t, fault.Conflict, fault.CodeOf(err))
	})

	t.Run("ranking rejects rank beyond choices", func(t *testing.T) {
		cfg := datatypes.ActivityConfig{ActivityID: "A1", Tool: ToolRanking, Choices: []string{"c1", "c2"}}
		_, err := engine.Submit(ctx, "s1", cfg,
			datatypes.SubmitRequest{ParticipantID: "u2", ChoiceKey: "c1", Rank: 3})
		assert.Equal(t, fault.PolicyDenied, fault.CodeOf(err))
	})

	t.Run("unknown tool is not found", func(t *testing.T) {
		cfg := datatypes.ActivityConfig{ActivityID: "A1", Tool: "quiz"}
		_, err := engine.Submit(ctx, "s1", cfg, submit("u1", "c1"))
		assert.Equal(t, fault.NotFound, fault.CodeOf(err))
	})

	t.Run("empty tool defaults to vote", func(t *testing.T) {
		tool, err := ToolFor("")
		require.NoError(t, err)
		assert.Equal(t, ToolVote, tool.Name())
	})
}

// =============================================================================
// Concurrency and Session Purge
// =============================================================================

// slowListArchive delays List so overlapping submissions would both see
// the pre-append record count if the engine did not serialize them.
type slowListArchive struct {
	memArchive
	delay time.Duration
}

func (s *slowListArchive) List(ctx context.Context, sessionID, activityID string) ([]datatypes.ResponseRecord, error) {
	time.Sleep(s.delay)
	return s.memArchive.List(ctx, sessionID, activityID)
}

func TestSubmit_ConcurrentSubmissionsRespectTotalCap(t *testing.T) {
	store := state.NewStore()
	store.RegisterParticipant("s1", "u1")
	_, err := store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"in_progress"}}`),
	})
	require.NoError(t, err)

	archive := &slowListArchive{delay: 2 * time.Millisecond}
	engine := NewEngine(store, archive)

	cfg := voteConfig()
	cfg.MaxTotal = 1

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			choice := cfg.Choices[i%len(cfg.Choices)]
			_, errs[i] = engine.Submit(context.Background(), "s1", cfg, submit("u1", choice))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		code := fault.CodeOf(err)
		assert.Contains(t, []fault.Code{fault.CapExceeded, fault.Conflict}, code)
	}
	assert.Equal(t, 1, accepted, "the total cap admits exactly one submission")

	records, err := archive.List(context.Background(), "s1", "A1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSubmit_ConcurrentIdempotentSubmissionsStoreOneRecord(t *testing.T) {
	store := state.NewStore()
	store.RegisterParticipant("s1", "u1")
	_, err := store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"in_progress"}}`),
	})
	require.NoError(t, err)

	archive := &slowListArchive{delay: 2 * time.Millisecond}
	engine := NewEngine(store, archive)

	req := submit("u1", "c1")
	req.IdempotencyKey = "k1"

	const workers = 8
	results := make([]datatypes.SubmitResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Submit(context.Background(), "s1", voteConfig(), req)
		}(i)
	}
	wg.Wait()

	replayed := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Record.ResponseID, results[i].Record.ResponseID)
		if results[i].Replayed {
			replayed++
		}
	}
	assert.Equal(t, workers-1, replayed, "every submission after the first replays the original")

	records, err := archive.List(context.Background(), "s1", "A1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPurgeSession_DropsIdempotencyEntries(t *testing.T) {
	ctx := context.Background()
	store := state.NewStore()
	store.RegisterParticipant("s1", "u1")
	_, err := store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"in_progress"}}`),
	})
	require.NoError(t, err)

	archive := &memArchive{}
	engine := NewEngine(store, archive)

	req := submit("u1", "c1")
	req.IdempotencyKey = "k1"
	first, err := engine.Submit(ctx, "s1", voteConfig(), req)
	require.NoError(t, err)

	// Session reset: state and archived responses are dropped; the engine
	// must not keep replaying a result whose record no longer exists.
	store.Reset("s1")
	require.NoError(t, archive.Delete(ctx, "s1", "A1", first.Record.ResponseID))
	engine.PurgeSession("s1")

	// The session id is reused for a fresh run.
	store.RegisterParticipant("s1", "u1")
	_, err = store.ApplyPatch("s1", datatypes.StatePatch{
		ActiveActivities: json.RawMessage(`{"A1":{"status":"in_progress"}}`),
	})
	require.NoError(t, err)

	second, err := engine.Submit(ctx, "s1", voteConfig(), req)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Record.ResponseID, second.Record.ResponseID)

	records, err := archive.List(ctx, "s1", "A1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
