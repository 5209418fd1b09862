package ports

import (
	"context"
	"time"

	"castrelay/internal/core/domain"
	apperrors "castrelay/pkg/errors"
)

// ViewerService drives the viewer/stop state machine for one session id.
type ViewerService interface {
	// Reserve claims id before any media work starts. It fails with an
	// ALREADY_VIEWING error while id is negotiating or active.
	Reserve(id domain.SessionID) (domain.Reservation, error)
	// Activate creates, negotiates and connects a sink for res and returns
	// the SDP answer. Failures release anything partially created.
	Activate(ctx context.Context, res domain.Reservation, sdpOffer string) (string, error)
	// StopViewer tears down the session for id. Stopping an unknown id is a
	// no-op.
	StopViewer(ctx context.Context, id domain.SessionID)
}

// SessionObserver is told about session lifecycle changes.
type SessionObserver interface {
	SessionStarted(session *domain.Session, negotiation time.Duration)
	SessionEnded(session *domain.Session)
	ViewerRejected(id domain.SessionID, code apperrors.ErrorCode)
}
