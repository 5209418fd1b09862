package signal

import (
	"context"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/logger"
	"castrelay/pkg/tracing"
	"castrelay/pkg/validation"

	"go.uber.org/zap"
)

// Sender delivers one outbound message to a viewer.
type Sender interface {
	Send(v interface{}) error
}

// ProtocolHandler interprets viewer/stop messages for one session id at a
// time and drives the viewer service.
type ProtocolHandler struct {
	viewers ports.ViewerService
	log     *logger.ContextLogger

	inflight sync.WaitGroup
}

func NewProtocolHandler(viewers ports.ViewerService, log *zap.SugaredLogger) *ProtocolHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ProtocolHandler{viewers: viewers, log: logger.NewContextLogger(log.Desugar())}
}

// Handle processes one raw inbound frame from the connection owning id.
// A viewer request is reserved before Handle returns; the media work then
// runs in the background and answers through out.
func (h *ProtocolHandler) Handle(ctx context.Context, id domain.SessionID, out Sender, raw []byte) {
	ctx = logger.WithSessionID(ctx, string(id))

	msg, err := ParseMessage(raw)
	if err != nil {
		h.log.Sugar(ctx).Debugw("invalid message", "error", err)
		h.send(ctx, out, errorMessage(apperrors.NewInvalidMessageError(string(raw)).Message))
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, msg.ID, string(id))
	defer span.End()
	if traceID := tracing.TraceID(ctx); traceID != "" {
		ctx = logger.WithTraceID(ctx, traceID)
	}

	h.log.Sugar(ctx).Debugw("message received", "message_id", msg.ID)

	switch msg.ID {
	case MessageViewer:
		h.handleViewer(ctx, id, out, msg)
	case MessageStop:
		h.viewers.StopViewer(ctx, id)
	default:
		h.send(ctx, out, errorMessage(apperrors.NewInvalidMessageError(string(raw)).Message))
	}
}

func (h *ProtocolHandler) handleViewer(ctx context.Context, id domain.SessionID, out Sender, msg InboundMessage) {
	if err := validation.ValidateSDPOffer(msg.SDPOffer); err != nil {
		h.send(ctx, out, rejected(err.Error()))
		return
	}

	res, err := h.viewers.Reserve(id)
	if err != nil {
		tracing.RecordError(ctx, err)
		h.send(ctx, out, rejected(rejectionMessage(err)))
		return
	}

	// the media calls outlive the connection on purpose: a sink created on
	// the media server must be seen through to commit or release
	actx := context.WithoutCancel(ctx)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()

		answer, err := h.viewers.Activate(actx, res, msg.SDPOffer)
		if err != nil {
			h.send(actx, out, rejected(rejectionMessage(err)))
			return
		}
		h.send(actx, out, accepted(answer))
	}()
}

func (h *ProtocolHandler) send(ctx context.Context, out Sender, v interface{}) {
	if err := out.Send(v); err != nil {
		h.log.Sugar(ctx).Debugw("failed to send message", "error", err)
	}
}

// Wait blocks until every background viewer activation has finished or ctx
// is done.
func (h *ProtocolHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejectionMessage is the text shown to a rejected viewer: the error's own
// message, followed by the media service's reason when there is one.
func rejectionMessage(err error) string {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return err.Error()
	}
	if appErr.Code == apperrors.ErrCodeAlreadyViewing || appErr.Cause == nil {
		return appErr.Message
	}
	return appErr.Message + ": " + appErr.Cause.Error()
}
