package memory

import (
	"context"
	"sync"
	"testing"

	"castrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSink struct{ id string }

func (s stubSink) ID() string { return s.id }
func (s stubSink) Release(ctx context.Context) {}

func TestSessionRegistry_CreateCommitGet(t *testing.T) {
	r := NewSessionRegistry()

	res, err := r.Create("1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("1"), res.ID)
	assert.Equal(t, domain.StateNegotiating, r.State("1"))

	_, ok := r.Get("1")
	assert.False(t, ok, "reserved slot must not be visible as a session")
	assert.Equal(t, 0, r.Count())

	session, err := r.Commit(res, stubSink{id: "sink-1"})
	require.NoError(t, err)
	assert.Equal(t, "sink-1", session.Sink.ID())
	assert.Equal(t, domain.StateActive, r.State("1"))

	got, ok := r.Get("1")
	require.True(t, ok)
	assert.Same(t, session, got)
	assert.Equal(t, 1, r.Count())
}

func TestSessionRegistry_CreateRejectsDuplicate(t *testing.T) {
	r := NewSessionRegistry()

	res, err := r.Create("1")
	require.NoError(t, err)

	_, err = r.Create("1")
	assert.ErrorIs(t, err, domain.ErrSessionExists, "duplicate while negotiating")

	_, err = r.Commit(res, stubSink{id: "a"})
	require.NoError(t, err)

	_, err = r.Create("1")
	assert.ErrorIs(t, err, domain.ErrSessionExists, "duplicate while active")
}

func TestSessionRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.Remove("missing")
	assert.False(t, ok)

	res, _ := r.Create("1")
	_, _ = r.Commit(res, stubSink{id: "a"})

	session, ok := r.Remove("1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("1"), session.ID)

	_, ok = r.Remove("1")
	assert.False(t, ok)
	assert.Equal(t, domain.StateNone, r.State("1"))
}

func TestSessionRegistry_RemoveCancelsReservation(t *testing.T) {
	r := NewSessionRegistry()

	res, _ := r.Create("1")
	_, ok := r.Remove("1")
	assert.False(t, ok, "no session to hand back for a pending reservation")
	assert.Equal(t, domain.StateNone, r.State("1"))

	_, err := r.Commit(res, stubSink{id: "late"})
	assert.ErrorIs(t, err, domain.ErrReservationLost)
}

func TestSessionRegistry_StaleReservationCannotCommitOverNewOne(t *testing.T) {
	r := NewSessionRegistry()

	stale, _ := r.Create("1")
	r.Remove("1")

	fresh, err := r.Create("1")
	require.NoError(t, err)
	assert.NotEqual(t, stale.Token, fresh.Token)

	_, err = r.Commit(stale, stubSink{id: "old"})
	assert.ErrorIs(t, err, domain.ErrReservationLost)

	r.Abandon(stale)
	assert.Equal(t, domain.StateNegotiating, r.State("1"), "stale abandon must not drop the fresh reservation")

	_, err = r.Commit(fresh, stubSink{id: "new"})
	require.NoError(t, err)
}

func TestSessionRegistry_AbandonDoesNotTouchActiveSession(t *testing.T) {
	r := NewSessionRegistry()

	res, _ := r.Create("1")
	_, _ = r.Commit(res, stubSink{id: "a"})

	r.Abandon(res)
	assert.Equal(t, domain.StateActive, r.State("1"))

	_, err := r.Commit(res, stubSink{id: "b"})
	assert.ErrorIs(t, err, domain.ErrReservationLost, "double commit")
}

func TestSessionRegistry_List(t *testing.T) {
	r := NewSessionRegistry()

	for _, id := range []domain.SessionID{"10", "2", "1"} {
		res, _ := r.Create(id)
		if id != "2" {
			_, _ = r.Commit(res, stubSink{id: "sink-" + string(id)})
		}
	}

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, domain.SessionID("1"), infos[0].ID)
	assert.Equal(t, domain.SessionID("2"), infos[1].ID)
	assert.Equal(t, domain.SessionID("10"), infos[2].ID)
	assert.Equal(t, "negotiating", infos[1].StateName)
	assert.Equal(t, "sink-10", infos[2].SinkID)
}

func TestSessionRegistry_Info(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.Info("1")
	assert.False(t, ok)

	res, err := r.Create("1")
	require.NoError(t, err)
	info, ok := r.Info("1")
	require.True(t, ok)
	assert.Equal(t, domain.StateNegotiating, info.State)
	assert.Empty(t, info.SinkID)

	_, err = r.Commit(res, stubSink{id: "sink-1"})
	require.NoError(t, err)
	info, ok = r.Info("1")
	require.True(t, ok)
	assert.Equal(t, "active", info.StateName)
	assert.Equal(t, "sink-1", info.SinkID)
}

func TestSessionRegistry_ConcurrentCreateSingleWinner(t *testing.T) {
	r := NewSessionRegistry()

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("same"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
