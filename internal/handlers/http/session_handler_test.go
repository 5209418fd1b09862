package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/middleware"
	"castrelay/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSink struct{ id string }

func (s stubSink) ID() string { return s.id }
func (s stubSink) Release(context.Context) {}

type stopRecorder struct {
	registry *memory.SessionRegistry
	stopped  []domain.SessionID
}

func (s *stopRecorder) Reserve(id domain.SessionID) (domain.Reservation, error) {
	return s.registry.Create(id)
}

func (s *stopRecorder) Activate(context.Context, domain.Reservation, string) (string, error) {
	return "", nil
}

func (s *stopRecorder) StopViewer(_ context.Context, id domain.SessionID) {
	s.stopped = append(s.stopped, id)
	s.registry.Remove(id)
}

func setupSessionRouter(t *testing.T) (*gin.Engine, *memory.SessionRegistry, *stopRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := memory.NewSessionRegistry()
	viewers := &stopRecorder{registry: registry}

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	NewSessionHandler(registry, viewers).SetupRoutes(router.Group("/api/v1"))
	return router, registry, viewers
}

func TestSessionHandler_ListSessions(t *testing.T) {
	router, registry, _ := setupSessionRouter(t)

	res, err := registry.Create("1")
	require.NoError(t, err)
	_, err = registry.Commit(res, stubSink{id: "WebRtcEndpoint-1"})
	require.NoError(t, err)
	_, err = registry.Create("2")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []domain.SessionInfo `json:"sessions"`
		Active   int                  `json:"active"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Active)
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "active", body.Sessions[0].StateName)
	assert.Equal(t, "WebRtcEndpoint-1", body.Sessions[0].SinkID)
	assert.Equal(t, "negotiating", body.Sessions[1].StateName)
}

func TestSessionHandler_GetSession(t *testing.T) {
	router, registry, _ := setupSessionRouter(t)

	res, err := registry.Create("7")
	require.NoError(t, err)
	_, err = registry.Commit(res, stubSink{id: "sink-7"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/7", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info domain.SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, domain.SessionID("7"), info.ID)
	assert.Equal(t, "sink-7", info.SinkID)
}

func TestSessionHandler_GetSessionNotFound(t *testing.T) {
	router, _, _ := setupSessionRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/42", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestSessionHandler_RejectsMalformedID(t *testing.T) {
	router, _, viewers := setupSessionRouter(t)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, "/api/v1/sessions/abc", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code, method)
		assert.Contains(t, w.Body.String(), "INVALID_REQUEST", method)
	}
	assert.Empty(t, viewers.stopped)
}

func TestSessionHandler_StopSession(t *testing.T) {
	router, registry, viewers := setupSessionRouter(t)

	res, err := registry.Create("3")
	require.NoError(t, err)
	_, err = registry.Commit(res, stubSink{id: "sink-3"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/3", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []domain.SessionID{"3"}, viewers.stopped)
	assert.Equal(t, domain.StateNone, registry.State("3"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/3", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, viewers.stopped, 1)
}
