package signal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []interface{}
	err  error
}

func (s *recordingSender) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v)
	return s.err
}

func (s *recordingSender) sent() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interface{}(nil), s.msgs...)
}

type stubViewers struct {
	mu        sync.Mutex
	reserved  []domain.SessionID
	stopped   []domain.SessionID
	reserveFn func(id domain.SessionID) (domain.Reservation, error)
	answer    string
	err       error
}

func (v *stubViewers) Reserve(id domain.SessionID) (domain.Reservation, error) {
	v.mu.Lock()
	v.reserved = append(v.reserved, id)
	v.mu.Unlock()
	if v.reserveFn != nil {
		return v.reserveFn(id)
	}
	return domain.Reservation{ID: id, Token: 1}, nil
}

func (v *stubViewers) Activate(ctx context.Context, res domain.Reservation, sdpOffer string) (string, error) {
	return v.answer, v.err
}

func (v *stubViewers) StopViewer(ctx context.Context, id domain.SessionID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = append(v.stopped, id)
}

func handle(t *testing.T, h *ProtocolHandler, out Sender, raw string) {
	t.Helper()
	h.Handle(context.Background(), "1", out, []byte(raw))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":"viewer","sdpOffer":"v=0"}`))
	require.NoError(t, err)
	assert.Equal(t, "viewer", msg.ID)
	assert.Equal(t, "v=0", msg.SDPOffer)

	_, err = ParseMessage([]byte(`{"sdpOffer":"v=0"}`))
	assert.ErrorIs(t, err, errMissingID)

	_, err = ParseMessage([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestProtocolHandler_ViewerAccepted(t *testing.T) {
	viewers := &stubViewers{answer: "ANSWER"}
	h := NewProtocolHandler(viewers, zaptest.NewLogger(t).Sugar())
	out := &recordingSender{}

	handle(t, h, out, `{"id":"viewer","sdpOffer":"OFFER"}`)

	assert.Equal(t, []interface{}{accepted("ANSWER")}, out.sent())
	assert.Equal(t, []domain.SessionID{"1"}, viewers.reserved)
}

func TestProtocolHandler_MissingOfferRejectedWithoutReservation(t *testing.T) {
	viewers := &stubViewers{}
	h := NewProtocolHandler(viewers, nil)
	out := &recordingSender{}

	handle(t, h, out, `{"id":"viewer"}`)

	assert.Equal(t, []interface{}{rejected("sdpOffer is required")}, out.sent())
	assert.Empty(t, viewers.reserved)
}

func TestProtocolHandler_OversizedOfferRejectedWithoutReservation(t *testing.T) {
	viewers := &stubViewers{}
	h := NewProtocolHandler(viewers, nil)
	out := &recordingSender{}

	raw := `{"id":"viewer","sdpOffer":"` + strings.Repeat("a", validation.MaxSDPBytes+1) + `"}`
	handle(t, h, out, raw)

	sent := out.sent()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(ViewerResponse)
	require.True(t, ok)
	assert.Equal(t, ResponseRejected, resp.Response)
	assert.Contains(t, resp.Message, "too large")
	assert.Empty(t, viewers.reserved)
}

func TestProtocolHandler_ActivationFailure(t *testing.T) {
	viewers := &stubViewers{err: apperrors.NewEndpointCreationError(errors.New("kms says no"))}
	h := NewProtocolHandler(viewers, nil)
	out := &recordingSender{}

	handle(t, h, out, `{"id":"viewer","sdpOffer":"OFFER"}`)

	assert.Equal(t, []interface{}{rejected("could not create sink endpoint: kms says no")}, out.sent())
}

func TestProtocolHandler_ReserveFailure(t *testing.T) {
	viewers := &stubViewers{reserveFn: func(domain.SessionID) (domain.Reservation, error) {
		return domain.Reservation{}, apperrors.NewAlreadyViewingError()
	}}
	h := NewProtocolHandler(viewers, nil)
	out := &recordingSender{}

	handle(t, h, out, `{"id":"viewer","sdpOffer":"OFFER"}`)

	sent := out.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ResponseRejected, sent[0].(ViewerResponse).Response)
	assert.Contains(t, sent[0].(ViewerResponse).Message, "already viewing")
}

func TestProtocolHandler_StopAndUnknown(t *testing.T) {
	viewers := &stubViewers{}
	h := NewProtocolHandler(viewers, nil)
	out := &recordingSender{}

	handle(t, h, out, `{"id":"stop"}`)
	handle(t, h, out, `{"id":"stop"}`)
	assert.Equal(t, []domain.SessionID{"1", "1"}, viewers.stopped)
	assert.Empty(t, out.sent())

	handle(t, h, out, `{"id":"iceCandidate"}`)
	assert.Equal(t, []interface{}{errorMessage(`Invalid message {"id":"iceCandidate"}`)}, out.sent())
}

func TestProtocolHandler_SendFailureIsNotFatal(t *testing.T) {
	viewers := &stubViewers{answer: "ANSWER"}
	h := NewProtocolHandler(viewers, nil)
	out := &recordingSender{err: errConnectionClosed}

	handle(t, h, out, `{"id":"viewer","sdpOffer":"OFFER"}`)
	assert.Len(t, out.sent(), 1)
}

func TestProtocolHandler_LogsCarrySessionID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewProtocolHandler(&stubViewers{}, zap.New(core).Sugar())
	out := &recordingSender{err: errConnectionClosed}

	handle(t, h, out, `{"id":"stop"}`)
	handle(t, h, out, `nonsense`)

	received := logs.FilterMessage("message received").All()
	require.Len(t, received, 1)
	assert.Equal(t, "1", received[0].ContextMap()["session_id"])
	assert.Equal(t, "stop", received[0].ContextMap()["message_id"])

	failed := logs.FilterMessage("failed to send message").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "1", failed[0].ContextMap()["session_id"])
}

func TestRejectionMessage(t *testing.T) {
	assert.Equal(t, "plain", rejectionMessage(errors.New("plain")))
	assert.Equal(t, "rate limit exceeded", rejectionMessage(apperrors.NewRateLimitError()))
}
