// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/services/coordinator/config"
	"github.com/parleyhq/parley/services/coordinator/handlers"
	"github.com/parleyhq/parley/services/coordinator/hub"
	"github.com/parleyhq/parley/services/coordinator/responses"
	"github.com/parleyhq/parley/services/coordinator/state"
)

// Deps are the shared collaborators every route group draws from.
type Deps struct {
	Store    *state.Store
	Registry *hub.Registry
	Engine   *responses.Engine
	Settings config.SettingsSource
	Purger   handlers.SessionPurger
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/meetings/:sessionId/ws",
			handlers.HandleMeetingWebSocket(deps.Store, deps.Registry, deps.Settings))

		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(deps.Store, deps.Registry))
			sessions.GET("/:sessionId", handlers.GetSession(deps.Store))
			sessions.PATCH("/:sessionId/state",
				handlers.ApplyStatePatch(deps.Store, deps.Registry, deps.Settings))
			sessions.POST("/:sessionId/collisions/check",
				handlers.CheckCollisions(deps.Store, deps.Settings))
			sessions.PUT("/:sessionId/agenda", handlers.RefreshAgenda(deps.Store))
			sessions.DELETE("/:sessionId", handlers.ResetSession(deps.Store, deps.Engine, deps.Purger))

			// Response consistency routes
			activities := sessions.Group("/:sessionId/activities/:activityId")
			{
				activities.POST("/responses",
					handlers.SubmitResponse(deps.Engine, deps.Registry))
				activities.GET("/responses", handlers.ListResponses(deps.Engine))
				activities.DELETE("/responses/:responseId",
					handlers.RetractResponse(deps.Engine, deps.Registry))
				activities.POST("/config/check",
					handlers.CheckActivityConfig(deps.Engine))
			}
		}
	}
}
