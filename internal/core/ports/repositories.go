package ports

import "castrelay/internal/core/domain"

// SessionRegistry maps session ids to sessions. At most one slot exists per
// id; a slot is either reserved (negotiating) or committed (active).
type SessionRegistry interface {
	// Create reserves id. It fails with domain.ErrSessionExists when a slot
	// for id is already reserved or active.
	Create(id domain.SessionID) (domain.Reservation, error)
	// Commit turns the reservation into an active session owning sink. It
	// fails with domain.ErrReservationLost when the reservation was removed
	// or superseded in the meantime.
	Commit(res domain.Reservation, sink domain.Releasable) (*domain.Session, error)
	// Abandon drops a reservation that will never be committed. It is a
	// no-op when the reservation is no longer held.
	Abandon(res domain.Reservation)
	// Remove deletes the slot for id. It returns the session when an active
	// one was removed; a pending reservation is cancelled silently.
	Remove(id domain.SessionID) (*domain.Session, bool)
	Get(id domain.SessionID) (*domain.Session, bool)
	State(id domain.SessionID) domain.SessionState
	Info(id domain.SessionID) (domain.SessionInfo, bool)
	List() []domain.SessionInfo
	Count() int
}
