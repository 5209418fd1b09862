package memory

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
)

type sessionSlot struct {
	token      uint64
	reservedAt time.Time
	session    *domain.Session // nil while negotiating
}

// SessionRegistry is the in-memory session registry. One instance is shared
// by every connection; all mutations happen under a single mutex and never
// block on media calls.
type SessionRegistry struct {
	mu        sync.Mutex
	slots     map[domain.SessionID]*sessionSlot
	lastToken uint64
	now       func() time.Time
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		slots: make(map[domain.SessionID]*sessionSlot),
		now:   time.Now,
	}
}

var _ ports.SessionRegistry = (*SessionRegistry)(nil)

func (r *SessionRegistry) Create(id domain.SessionID) (domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[id]; exists {
		return domain.Reservation{}, domain.ErrSessionExists
	}

	r.lastToken++
	r.slots[id] = &sessionSlot{token: r.lastToken, reservedAt: r.now()}
	return domain.Reservation{ID: id, Token: r.lastToken}, nil
}

func (r *SessionRegistry) Commit(res domain.Reservation, sink domain.Releasable) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, exists := r.slots[res.ID]
	if !exists || slot.token != res.Token || slot.session != nil {
		return nil, domain.ErrReservationLost
	}

	slot.session = &domain.Session{
		ID:        res.ID,
		Sink:      sink,
		StartedAt: r.now(),
	}
	return slot.session, nil
}

func (r *SessionRegistry) Abandon(res domain.Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, exists := r.slots[res.ID]; exists && slot.token == res.Token && slot.session == nil {
		delete(r.slots, res.ID)
	}
}

func (r *SessionRegistry) Remove(id domain.SessionID) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, exists := r.slots[id]
	if !exists {
		return nil, false
	}
	delete(r.slots, id)

	if slot.session == nil {
		return nil, false
	}
	return slot.session, true
}

func (r *SessionRegistry) Get(id domain.SessionID) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, exists := r.slots[id]
	if !exists || slot.session == nil {
		return nil, false
	}
	return slot.session, true
}

func (r *SessionRegistry) State(id domain.SessionID) domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, exists := r.slots[id]
	switch {
	case !exists:
		return domain.StateNone
	case slot.session == nil:
		return domain.StateNegotiating
	default:
		return domain.StateActive
	}
}

// Info returns a snapshot of the slot for id.
func (r *SessionRegistry) Info(id domain.SessionID) (domain.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, exists := r.slots[id]
	if !exists {
		return domain.SessionInfo{}, false
	}
	return slot.info(id), true
}

// List returns a snapshot of every slot ordered by numeric id when ids are
// numeric, lexically otherwise.
func (r *SessionRegistry) List() []domain.SessionInfo {
	r.mu.Lock()
	infos := make([]domain.SessionInfo, 0, len(r.slots))
	for id, slot := range r.slots {
		infos = append(infos, slot.info(id))
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		a, errA := strconv.ParseUint(string(infos[i].ID), 10, 64)
		b, errB := strconv.ParseUint(string(infos[j].ID), 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Count returns the number of active sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, slot := range r.slots {
		if slot.session != nil {
			n++
		}
	}
	return n
}

func (s *sessionSlot) info(id domain.SessionID) domain.SessionInfo {
	info := domain.SessionInfo{
		ID:    id,
		State: domain.StateNegotiating,
		Since: s.reservedAt,
	}
	if s.session != nil {
		info.State = domain.StateActive
		info.Since = s.session.StartedAt
		if s.session.Sink != nil {
			info.SinkID = s.session.Sink.ID()
		}
	}
	info.StateName = info.State.String()
	return info
}
