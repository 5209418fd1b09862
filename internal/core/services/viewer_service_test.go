package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/mediatest"
	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/repositories/memory"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/logger"
	"castrelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recordingObserver struct {
	mu       sync.Mutex
	started  []domain.SessionID
	ended    []domain.SessionID
	rejected []apperrors.ErrorCode
}

func (o *recordingObserver) SessionStarted(s *domain.Session, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, s.ID)
}

func (o *recordingObserver) SessionEnded(s *domain.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, s.ID)
}

func (o *recordingObserver) ViewerRejected(_ domain.SessionID, code apperrors.ErrorCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, code)
}

type viewerFixture struct {
	media    *mediatest.Media
	registry *memory.SessionRegistry
	observer *recordingObserver
	svc      ports.ViewerService
}

func newViewerFixture(t *testing.T) *viewerFixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	media := mediatest.New()

	state, err := BootstrapMedia(context.Background(), media, "ws://kms", "rtsp://cam/", retry.Config{}, log)
	require.NoError(t, err)

	registry := memory.NewSessionRegistry()
	obs := &recordingObserver{}
	return &viewerFixture{
		media:    media,
		registry: registry,
		observer: obs,
		svc:      NewViewerService(registry, state, obs, log),
	}
}

func (f *viewerFixture) start(t *testing.T, id domain.SessionID, offer string) (string, error) {
	t.Helper()
	res, err := f.svc.Reserve(id)
	if err != nil {
		return "", err
	}
	return f.svc.Activate(context.Background(), res, offer)
}

func TestViewerService_AcceptsViewer(t *testing.T) {
	f := newViewerFixture(t)

	answer, err := f.start(t, "1", "OFFER_A")
	require.NoError(t, err)
	assert.Equal(t, "ANSWER_A", answer)

	assert.Equal(t, 1, f.registry.Count())
	assert.Equal(t, domain.StateActive, f.registry.State("1"))

	sink := f.media.Sink(0)
	require.NotNil(t, sink)
	assert.True(t, sink.Connected())
	assert.Equal(t, "OFFER_A", sink.Offer())

	session, ok := f.registry.Get("1")
	require.True(t, ok)
	assert.Equal(t, sink.ID(), session.Sink.ID())
	assert.Equal(t, []domain.SessionID{"1"}, f.observer.started)
}

func TestViewerService_RejectsSecondViewer(t *testing.T) {
	f := newViewerFixture(t)

	_, err := f.start(t, "1", "OFFER_A")
	require.NoError(t, err)

	_, err = f.start(t, "1", "OFFER_B")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyViewing))
	assert.Contains(t, err.Error(), "already viewing")

	assert.Equal(t, 1, f.media.SinksCreated(), "no endpoint for the rejected viewer")
	assert.Equal(t, 1, f.registry.Count())
	assert.Equal(t, []apperrors.ErrorCode{apperrors.ErrCodeAlreadyViewing}, f.observer.rejected)
}

func TestViewerService_StopThenViewAgain(t *testing.T) {
	f := newViewerFixture(t)

	_, err := f.start(t, "1", "OFFER_A")
	require.NoError(t, err)

	f.svc.StopViewer(context.Background(), "1")
	assert.Equal(t, 1, f.media.Sink(0).Releases())
	assert.Equal(t, domain.StateNone, f.registry.State("1"))

	answer, err := f.start(t, "1", "OFFER_C")
	require.NoError(t, err)
	assert.Equal(t, "ANSWER_C", answer)
	assert.Equal(t, 2, f.media.SinksCreated())
	assert.Equal(t, 1, f.registry.Count())
	assert.Equal(t, []domain.SessionID{"1"}, f.observer.ended)
}

func TestViewerService_StopIsIdempotent(t *testing.T) {
	f := newViewerFixture(t)

	_, err := f.start(t, "1", "OFFER_A")
	require.NoError(t, err)

	f.svc.StopViewer(context.Background(), "1")
	f.svc.StopViewer(context.Background(), "1")
	f.svc.StopViewer(context.Background(), "unknown")

	assert.Equal(t, 1, f.media.Sink(0).Releases())
	assert.Empty(t, f.media.OverReleased())
	assert.Len(t, f.observer.ended, 1)
}

func TestViewerService_FailuresReleaseEverything(t *testing.T) {
	tests := []struct {
		name      string
		inject    func(m *mediatest.Media)
		wantCode  apperrors.ErrorCode
		wantSinks int
	}{
		{
			name:      "endpoint creation",
			inject:    func(m *mediatest.Media) { m.CreateSinkErr = mediatest.ErrInjected },
			wantCode:  apperrors.ErrCodeEndpointCreation,
			wantSinks: 0,
		},
		{
			name:      "negotiation",
			inject:    func(m *mediatest.Media) { m.NegotiateErr = mediatest.ErrInjected },
			wantCode:  apperrors.ErrCodeNegotiation,
			wantSinks: 1,
		},
		{
			name:      "source connect",
			inject:    func(m *mediatest.Media) { m.ConnectSourceErr = mediatest.ErrInjected },
			wantCode:  apperrors.ErrCodeSourceConnect,
			wantSinks: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newViewerFixture(t)
			tt.inject(f.media)

			_, err := f.start(t, "1", "OFFER_A")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
			assert.ErrorIs(t, err, mediatest.ErrInjected)

			assert.Equal(t, domain.StateNone, f.registry.State("1"))
			assert.Equal(t, tt.wantSinks, f.media.SinksCreated())
			assert.Zero(t, f.media.LiveSinks(), "no sink left allocated")
			assert.Empty(t, f.media.OverReleased())
			assert.Equal(t, []apperrors.ErrorCode{tt.wantCode}, f.observer.rejected)

			// the id is usable again once the failure has been handled
			_, err = f.svc.Reserve("1")
			assert.NoError(t, err)
		})
	}
}

func TestViewerService_StopDuringNegotiationCancelsViewer(t *testing.T) {
	f := newViewerFixture(t)
	f.media.NegotiateGate = make(chan struct{})
	f.media.Negotiating = make(chan string, 1)

	res, err := f.svc.Reserve("1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateNegotiating, f.registry.State("1"))

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		answer, err := f.svc.Activate(context.Background(), res, "OFFER_A")
		done <- result{answer, err}
	}()

	select {
	case <-f.media.Negotiating:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation never started")
	}

	f.svc.StopViewer(context.Background(), "1")
	assert.Equal(t, domain.StateNone, f.registry.State("1"))
	close(f.media.NegotiateGate)

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("activation did not finish")
	}

	require.Error(t, r.err)
	assert.Equal(t, apperrors.ErrCodeSessionCancelled, apperrors.CodeOf(r.err))
	assert.ErrorIs(t, r.err, domain.ErrReservationLost)
	assert.Empty(t, r.answer)

	assert.Equal(t, 1, f.media.Sink(0).Releases())
	assert.Zero(t, f.media.LiveSinks())
	assert.Zero(t, f.registry.Count())
	assert.Empty(t, f.observer.started)
	assert.Empty(t, f.observer.ended, "a cancelled reservation never started a session")
}

func TestViewerService_ReviewAfterCancelledNegotiationIsNotClobbered(t *testing.T) {
	f := newViewerFixture(t)
	f.media.NegotiateGate = make(chan struct{})
	f.media.Negotiating = make(chan string, 2)

	first, err := f.svc.Reserve("1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Activate(context.Background(), first, "OFFER_A")
		done <- err
	}()
	<-f.media.Negotiating

	// stop, then a fresh reservation for the same id before the first
	// negotiation returns
	f.svc.StopViewer(context.Background(), "1")
	second, err := f.svc.Reserve("1")
	require.NoError(t, err)

	close(f.media.NegotiateGate)
	require.Error(t, <-done)

	f.media.NegotiateGate = nil
	answer, err := f.svc.Activate(context.Background(), second, "OFFER_B")
	require.NoError(t, err)
	assert.Equal(t, "ANSWER_B", answer)

	session, ok := f.registry.Get("1")
	require.True(t, ok)
	assert.Equal(t, f.media.Sink(1).ID(), session.Sink.ID())
	assert.Equal(t, 1, f.media.Sink(0).Releases())
	assert.Zero(t, f.media.Sink(1).Releases())
}

func TestViewerService_IndependentSessions(t *testing.T) {
	f := newViewerFixture(t)

	var wg sync.WaitGroup
	for _, id := range []domain.SessionID{"1", "2", "3", "4"} {
		wg.Add(1)
		go func(id domain.SessionID) {
			defer wg.Done()
			_, err := f.start(t, id, "OFFER_"+string(id))
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 4, f.registry.Count())
	f.svc.StopViewer(context.Background(), "2")
	assert.Equal(t, 3, f.registry.Count())
	assert.Equal(t, domain.StateActive, f.registry.State("1"))
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers{a, b, NopObserver{}}

	session := &domain.Session{ID: "7"}
	obs.SessionStarted(session, time.Millisecond)
	obs.SessionEnded(session)
	obs.ViewerRejected("7", apperrors.ErrCodeNegotiation)

	for _, o := range []*recordingObserver{a, b} {
		assert.Equal(t, []domain.SessionID{"7"}, o.started)
		assert.Equal(t, []domain.SessionID{"7"}, o.ended)
		assert.Equal(t, []apperrors.ErrorCode{apperrors.ErrCodeNegotiation}, o.rejected)
	}
}

func TestViewerService_LogsCarryContextIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	media := mediatest.New()
	state, err := BootstrapMedia(context.Background(), media, "ws://kms", "rtsp://cam/", retry.Config{}, nil)
	require.NoError(t, err)

	svc := NewViewerService(memory.NewSessionRegistry(), state, nil, zap.New(core).Sugar())

	res, err := svc.Reserve("4")
	require.NoError(t, err)
	ctx := logger.WithTraceID(context.Background(), "trace-4")
	_, err = svc.Activate(ctx, res, "OFFER_A")
	require.NoError(t, err)
	svc.StopViewer(ctx, "4")

	accepted := logs.FilterMessage("viewer accepted").All()
	require.Len(t, accepted, 1)
	assert.Equal(t, "4", accepted[0].ContextMap()["session_id"])
	assert.Equal(t, "trace-4", accepted[0].ContextMap()["trace_id"])

	stopped := logs.FilterMessage("viewer stopped").All()
	require.Len(t, stopped, 1)
	assert.Equal(t, "4", stopped[0].ContextMap()["session_id"])
	assert.Equal(t, "trace-4", stopped[0].ContextMap()["trace_id"])
}
