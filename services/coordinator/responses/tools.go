// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package responses

import (
	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/fault"
)

// Tool is the per-activity-type strategy. The consistency rules (liveness,
// scope, caps, retraction, idempotency, config lock) are implemented once
// in the Engine; a Tool contributes only shape validation, its repeat
// policy, and result aggregation.
type Tool interface {
	// Name is the tool identifier stored in activity configuration.
	Name() string

	// AllowsRepeats reports whether more than one accepted record per
	// (participant, choice) is legal for this tool.
	AllowsRepeats() bool

	// Validate checks a submission's shape against the configuration.
	Validate(cfg datatypes.ActivityConfig, req datatypes.SubmitRequest) error

	// Conflicts reports whether an existing record from the same
	// participant makes the new submission contradictory beyond the
	// uniform duplicate rule (e.g., a ranking slot already used).
	Conflicts(existing datatypes.ResponseRecord, req datatypes.SubmitRequest) bool

	// Tally aggregates accepted records per choice. This is a live
	// progress view, not the activity's final scoring.
	Tally(records []datatypes.ResponseRecord) map[string]float64
}

// Tool names.
const (
	ToolVote       = "vote"
	ToolBallot     = "ballot"
	ToolRanking    = "ranking"
	ToolCategorize = "categorize"
)

// tools is the closed variant set. Activity configuration selects by name;
// an empty name means plain voting.
var tools = map[string]Tool{
	ToolVote:       voteTool{},
	ToolBallot:     ballotTool{},
	ToolRanking:    rankingTool{},
	ToolCategorize: categorizeTool{},
}

// ToolFor resolves a tool by name. An empty name defaults to vote.
func ToolFor(name string) (Tool, error) {
	if name == "" {
		name = ToolVote
	}
	tool, ok := tools[name]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "unknown tool type %q", name)
	}
	return tool, nil
}

// validChoice enforces membership when the configuration pins a choice
// list; an empty list means free-form choices (brainstorm-style).
func validChoice(cfg datatypes.ActivityConfig, choiceKey string) error {
	if len(cfg.Choices) == 0 {
		return nil
	}
	for _, c := range cfg.Choices {
		if c == choiceKey {
			return nil
		}
	}
	return fault.Newf(fault.NotFound, "choice %q is not among the activity's choices", choiceKey)
}

// =============================================================================
// Vote
// =============================================================================

// voteTool: one unweighted voice per choice.
type voteTool struct{}

func (voteTool) Name() string        { return ToolVote }
func (voteTool) AllowsRepeats() bool { return false }

func (voteTool) Validate(cfg datatypes.ActivityConfig, req datatypes.SubmitRequest) error {
	return validChoice(cfg, req.ChoiceKey)
}

func (voteTool) Conflicts(datatypes.ResponseRecord, datatypes.SubmitRequest) bool { return false }

func (voteTool) Tally(records []datatypes.ResponseRecord) map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range records {
		out[rec.ChoiceKey]++
	}
	return out
}

// =============================================================================
// Ballot
// =============================================================================

// ballotTool: weighted allocations (dot voting, budget voting).
type ballotTool struct{}

func (ballotTool) Name() string        { return ToolBallot }
func (ballotTool) AllowsRepeats() bool { return false }

func (ballotTool) Validate(cfg datatypes.ActivityConfig, req datatypes.SubmitRequest) error {
	if req.Weight <= 0 {
		return fault.New(fault.PolicyDenied, "ballot submissions require a positive weight")
	}
	return validChoice(cfg, req.ChoiceKey)
}

func (ballotTool) Conflicts(datatypes.ResponseRecord, datatypes.SubmitRequest) bool { return false }

func (ballotTool) Tally(records []datatypes.ResponseRecord) map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range records {
		out[rec.ChoiceKey] += rec.Weight
	}
	return out
}

// =============================================================================
// Ranking
// =============================================================================

// rankingTool: ordered preference, one choice per rank slot.
type rankingTool struct{}

func (rankingTool) Name() string        { return ToolRanking }
func (rankingTool) AllowsRepeats() bool { return false }

func (rankingTool) Validate(cfg datatypes.ActivityConfig, req datatypes.SubmitRequest) error {
	if req.Rank < 1 {
		return fault.New(fault.PolicyDenied, "ranking submissions require rank >= 1")
	}
	if len(cfg.Choices) > 0 && req.Rank > len(cfg.Choices) {
		return fault.Newf(fault.PolicyDenied, "rank %d exceeds the %d available choices",
			req.Rank, len(cfg.Choices))
	}
	return validChoice(cfg, req.ChoiceKey)
}

// Conflicts rejects reuse of a rank slot by the same participant.
func (rankingTool) Conflicts(existing datatypes.ResponseRecord, req datatypes.SubmitRequest) bool {
	return existing.Rank == req.Rank
}

func (rankingTool) Tally(records []datatypes.ResponseRecord) map[string]float64 {
	// Count of rankings received per choice; ordering math is downstream.
	out := make(map[string]float64)
	for _, rec := range records {
		out[rec.ChoiceKey]++
	}
	return out
}

// =============================================================================
// Categorize
// =============================================================================

// categorizeTool: items sorted into buckets; a participant may re-file
// many items, so repeats per choice (bucket) are allowed.
type categorizeTool struct{}

func (categorizeTool) Name() string        { return ToolCategorize }
func (categorizeTool) AllowsRepeats() bool { return true }

func (categorizeTool) Validate(cfg datatypes.ActivityConfig, req datatypes.SubmitRequest) error {
	return validChoice(cfg, req.ChoiceKey)
}

func (categorizeTool) Conflicts(datatypes.ResponseRecord, datatypes.SubmitRequest) bool { return false }

func (categorizeTool) Tally(records []datatypes.ResponseRecord) map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range records {
		out[rec.ChoiceKey]++
	}
	return out
}
