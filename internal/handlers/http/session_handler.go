package http

import (
	"net/http"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes the session registry to operators.
type SessionHandler struct {
	registry ports.SessionRegistry
	viewers  ports.ViewerService
}

func NewSessionHandler(
	registry ports.SessionRegistry,
	viewers ports.ViewerService,
) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		viewers:  viewers,
	}
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.StopSession)
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.registry.List(),
		"active":   h.registry.Count(),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	info, ok := h.registry.Info(id)
	if !ok {
		c.Error(apperrors.NewNotFoundError("session").WithContext("session_id", string(id)))
		return
	}

	c.JSON(http.StatusOK, info)
}

// StopSession force-stops a viewer. The signaling connection stays open and
// the browser may send viewer again.
func (h *SessionHandler) StopSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if _, ok := h.registry.Info(id); !ok {
		c.Error(apperrors.NewNotFoundError("session").WithContext("session_id", string(id)))
		return
	}

	h.viewers.StopViewer(c.Request.Context(), id)
	c.Status(http.StatusNoContent)
}

func sessionID(c *gin.Context) (domain.SessionID, bool) {
	raw := c.Param("id")
	if err := validation.ValidateSessionID(raw); err != nil {
		c.Error(apperrors.NewInvalidRequestError(err).WithContext("session_id", raw))
		return "", false
	}
	return domain.SessionID(raw), true
}
