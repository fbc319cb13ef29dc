// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// Tests for route registration

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/services/coordinator/config"
	"github.com/parleyhq/parley/services/coordinator/hub"
	"github.com/parleyhq/parley/services/coordinator/responses"
	"github.com/parleyhq/parley/services/coordinator/state"
	"github.com/parleyhq/parley/services/coordinator/storage/badgerstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	archive, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	store := state.NewStore()
	router := gin.New()
	SetupRoutes(router, Deps{
		Store:    store,
		Registry: hub.NewRegistry(),
		Engine:   responses.NewEngine(store, archive),
		Settings: config.Static{},
		Purger:   archive,
	})
	return router
}

func TestSetupRoutes_HealthAndMetrics(t *testing.T) {
	router := newRouter(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_SessionSurfaceRegistered(t *testing.T) {
	router := newRouter(t)

	registered := make(map[string]bool)
	for _, route := range router.Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	want := []string{
		"GET /v1/meetings/:sessionId/ws",
		"GET /v1/sessions",
		"GET /v1/sessions/:sessionId",
		"PATCH /v1/sessions/:sessionId/state",
		"POST /v1/sessions/:sessionId/collisions/check",
		"PUT /v1/sessions/:sessionId/agenda",
		"DELETE /v1/sessions/:sessionId",
		"POST /v1/sessions/:sessionId/activities/:activityId/responses",
		"GET /v1/sessions/:sessionId/activities/:activityId/responses",
		"DELETE /v1/sessions/:sessionId/activities/:activityId/responses/:responseId",
		"POST /v1/sessions/:sessionId/activities/:activityId/config/check",
	}
	for _, route := range want {
		assert.True(t, registered[route], "%s must be registered", route)
	}
}
