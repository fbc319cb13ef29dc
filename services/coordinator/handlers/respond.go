// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/services/coordinator/datatypes"
	"github.com/parleyhq/parley/services/coordinator/hub"
	"github.com/parleyhq/parley/services/coordinator/observability"
	"github.com/parleyhq/parley/services/coordinator/responses"
)

// submitBody carries the submission together with the activity's
// persisted configuration. Configuration ownership stays with the
// external meeting service; the coordinator receives it per call.
type submitBody struct {
	Config     datatypes.ActivityConfig `json:"config"`
	Submission datatypes.SubmitRequest  `json:"submission"`
}

// retractBody mirrors submitBody for removal requests.
type retractBody struct {
	Config  datatypes.ActivityConfig `json:"config"`
	Request datatypes.RetractRequest `json:"request"`
}

// SubmitResponse runs one submission through the consistency engine and,
// on acceptance, broadcasts the fresh tally as responses_updated.
func SubmitResponse(engine *responses.Engine, registry *hub.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		activityID := c.Param("activityId")
		if !datatypes.ValidID(sessionID) || !datatypes.ValidID(activityID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session or activity id"})
			return
		}

		var body submitBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBadRequest(c, err)
			return
		}
		body.Config.ActivityID = activityID
		if err := datatypes.Validate(body.Config); err != nil {
			writeBadRequest(c, err)
			return
		}
		if err := datatypes.Validate(body.Submission); err != nil {
			writeBadRequest(c, err)
			return
		}

		result, err := engine.Submit(c.Request.Context(), sessionID, body.Config, body.Submission)
		if err != nil {
			observability.Default.ResponsesTotal.
				WithLabelValues(toolLabel(body.Config.Tool), "rejected").Inc()
			writeFault(c, err)
			return
		}

		outcome := "accepted"
		if result.Replayed {
			outcome = "replayed"
		}
		observability.Default.ResponsesTotal.
			WithLabelValues(toolLabel(body.Config.Tool), outcome).Inc()

		// A replay changed nothing; only fresh acceptances notify clients.
		if !result.Replayed {
			broadcastTally(c, engine, registry, sessionID, body.Config)
		}

		c.JSON(http.StatusOK, result)
	}
}

// RetractResponse removes one response under the retraction policy and
// broadcasts the updated tally.
func RetractResponse(engine *responses.Engine, registry *hub.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		activityID := c.Param("activityId")
		responseID := c.Param("responseId")
		if !datatypes.ValidID(sessionID) || !datatypes.ValidID(activityID) || !datatypes.ValidID(responseID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identifier"})
			return
		}

		var body retractBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBadRequest(c, err)
			return
		}
		body.Config.ActivityID = activityID
		if err := datatypes.Validate(body.Request); err != nil {
			writeBadRequest(c, err)
			return
		}

		if err := engine.Retract(c.Request.Context(), sessionID, body.Config, responseID, body.Request); err != nil {
			writeFault(c, err)
			return
		}

		broadcastTally(c, engine, registry, sessionID, body.Config)
		c.JSON(http.StatusOK, gin.H{"status": "retracted", "responseId": responseID})
	}
}

// ListResponses returns the accepted records for an activity.
func ListResponses(engine *responses.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		activityID := c.Param("activityId")

		records, err := engine.List(c.Request.Context(), sessionID, activityID)
		if err != nil {
			writeFault(c, err)
			return
		}
		if records == nil {
			records = []datatypes.ResponseRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"responses": records})
	}
}

// CheckActivityConfig vets a proposed configuration change against the
// config-lock rule without persisting anything. 200 means the change may
// proceed; ConfigLocked names the frozen fields.
func CheckActivityConfig(engine *responses.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		activityID := c.Param("activityId")
		if !datatypes.ValidID(sessionID) || !datatypes.ValidID(activityID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session or activity id"})
			return
		}

		var req datatypes.ConfigChangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}
		req.Current.ActivityID = activityID
		req.Proposed.ActivityID = activityID

		if err := engine.CheckConfigChange(c.Request.Context(), sessionID, req); err != nil {
			writeFault(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// broadcastTally pushes the fresh per-choice aggregation to every
// connection. A tally failure only logs: the submission already
// succeeded, and broadcast errors never surface to the caller.
func broadcastTally(c *gin.Context, engine *responses.Engine, registry *hub.Registry,
	sessionID string, cfg datatypes.ActivityConfig) {

	tally, err := engine.Tally(c.Request.Context(), sessionID, cfg)
	if err != nil {
		return
	}
	registry.Broadcast(sessionID, datatypes.MsgResponsesUpdated,
		datatypes.Outbound(datatypes.MsgResponsesUpdated, gin.H{
			"activityId": cfg.ActivityID,
			"tally":      tally,
		}), "")
}

func toolLabel(tool string) string {
	if tool == "" {
		return responses.ToolVote
	}
	return tool
}
