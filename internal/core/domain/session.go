package domain

import (
	"context"
	"time"
)

// SessionID identifies one signaling connection. It is assigned when the
// connection is accepted and never reused.
type SessionID string

// SessionState is the signaling state of a session id.
type SessionState int

const (
	StateNone SessionState = iota
	StateNegotiating
	StateActive
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Releasable is a media service object with an id that can be freed.
// Release is idempotent and never reports failure to the caller.
type Releasable interface {
	ID() string
	Release(ctx context.Context)
}

// Reservation is proof that the caller holds the in-progress slot for ID.
// Token distinguishes this reservation from any later one for the same id.
type Reservation struct {
	ID    SessionID
	Token uint64
}

// Session is an active viewer. It exists only once its sink endpoint has
// been created, negotiated and connected to the shared source.
type Session struct {
	ID        SessionID
	Sink      Releasable
	StartedAt time.Time
}

// SessionInfo is a read-only snapshot of a registry slot.
type SessionInfo struct {
	ID        SessionID    `json:"id"`
	State     SessionState `json:"-"`
	StateName string       `json:"state"`
	SinkID    string       `json:"sink_id,omitempty"`
	Since     time.Time    `json:"since"`
}
