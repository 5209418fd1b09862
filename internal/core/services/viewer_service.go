package services

import (
	"context"
	"errors"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/logger"
	"castrelay/pkg/tracing"

	"go.uber.org/zap"
)

const defaultReleaseTimeout = 10 * time.Second

type viewerService struct {
	registry ports.SessionRegistry
	media    *MediaState
	observer ports.SessionObserver
	log      *logger.ContextLogger

	releaseTimeout time.Duration
	now            func() time.Time
}

// NewViewerService builds the viewer state machine on top of a registry and
// the shared pipeline state. observer may be nil.
func NewViewerService(
	registry ports.SessionRegistry,
	media *MediaState,
	observer ports.SessionObserver,
	log *zap.SugaredLogger,
) ports.ViewerService {
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &viewerService{
		registry:       registry,
		media:          media,
		observer:       observer,
		log:            logger.NewContextLogger(log.Desugar()),
		releaseTimeout: defaultReleaseTimeout,
		now:            time.Now,
	}
}

func (s *viewerService) Reserve(id domain.SessionID) (domain.Reservation, error) {
	res, err := s.registry.Create(id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			s.observer.ViewerRejected(id, apperrors.ErrCodeAlreadyViewing)
			return domain.Reservation{}, apperrors.NewAlreadyViewingError().WithContext("session_id", string(id))
		}
		return domain.Reservation{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not reserve session", 500)
	}
	return res, nil
}

// Activate runs reserve → create sink → negotiate → connect source → commit.
// The order matters: the sink is only exposed through the registry after it
// is connected, and every failure after creation releases the sink once.
func (s *viewerService) Activate(ctx context.Context, res domain.Reservation, sdpOffer string) (string, error) {
	started := s.now()
	ctx = logger.WithSessionID(ctx, string(res.ID))
	log := s.log.Sugar(ctx)

	sink, err := s.createSink(ctx, res.ID)
	if err != nil {
		s.registry.Abandon(res)
		return "", s.reject(ctx, res.ID, apperrors.NewEndpointCreationError(err))
	}

	answer, err := s.negotiate(ctx, res.ID, sink, sdpOffer)
	if err != nil {
		s.release(res.ID, sink)
		s.registry.Abandon(res)
		return "", s.reject(ctx, res.ID, apperrors.NewNegotiationError(err))
	}

	if err := s.connectSource(ctx, res.ID, sink); err != nil {
		s.release(res.ID, sink)
		s.registry.Abandon(res)
		return "", s.reject(ctx, res.ID, apperrors.NewSourceConnectError(err))
	}

	session, err := s.registry.Commit(res, sink)
	if err != nil {
		// stop or disconnect arrived while negotiating
		log.Infow("viewer stopped during negotiation, releasing sink", "sink_id", sink.ID())
		s.release(res.ID, sink)
		return "", s.reject(ctx, res.ID, apperrors.NewSessionCancelledError(err))
	}

	elapsed := s.now().Sub(started)
	log.Infow("viewer accepted", "sink_id", sink.ID(), "negotiation_ms", elapsed.Milliseconds())
	s.observer.SessionStarted(session, elapsed)
	return answer, nil
}

func (s *viewerService) StopViewer(ctx context.Context, id domain.SessionID) {
	session, ok := s.registry.Remove(id)
	if !ok {
		return
	}

	if session.Sink != nil {
		s.release(id, session.Sink)
	}
	s.log.Sugar(logger.WithSessionID(ctx, string(id))).Infow("viewer stopped",
		"duration", s.now().Sub(session.StartedAt).String())
	s.observer.SessionEnded(session)
}

func (s *viewerService) createSink(ctx context.Context, id domain.SessionID) (ports.SinkEndpoint, error) {
	ctx, span := tracing.TraceMediaOperation(ctx, "create_sink", string(id))
	defer span.End()

	sink, err := s.media.Pipeline.CreateSinkEndpoint(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	span.SetAttributes(tracing.EndpointKey.String(sink.ID()))
	return sink, nil
}

func (s *viewerService) negotiate(ctx context.Context, id domain.SessionID, sink ports.SinkEndpoint, offer string) (string, error) {
	ctx, span := tracing.TraceMediaOperation(ctx, "negotiate", string(id))
	defer span.End()

	answer, err := sink.Negotiate(ctx, offer)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	if answer == "" {
		err = errors.New("media service returned an empty sdp answer")
		tracing.RecordError(ctx, err)
		return "", err
	}
	return answer, nil
}

func (s *viewerService) connectSource(ctx context.Context, id domain.SessionID, sink ports.SinkEndpoint) error {
	ctx, span := tracing.TraceMediaOperation(ctx, "connect_source", string(id))
	defer span.End()

	if err := s.media.Source.Connect(ctx, sink); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// release frees sink on a context detached from the caller's, so teardown
// still reaches the media service after the connection context ended.
func (s *viewerService) release(id domain.SessionID, sink domain.Releasable) {
	ctx, cancel := context.WithTimeout(context.Background(), s.releaseTimeout)
	defer cancel()

	ctx, span := tracing.TraceMediaOperation(ctx, "release_sink", string(id))
	defer span.End()
	span.SetAttributes(tracing.EndpointKey.String(sink.ID()))

	sink.Release(ctx)
}

func (s *viewerService) reject(ctx context.Context, id domain.SessionID, err *apperrors.AppError) error {
	err.WithContext("session_id", string(id))
	s.log.Sugar(ctx).Warnw("viewer rejected", "code", err.Code, "error", err)
	s.observer.ViewerRejected(id, err.Code)
	return err
}

// NopObserver ignores every lifecycle event.
type NopObserver struct{}

func (NopObserver) SessionStarted(*domain.Session, time.Duration) {}
func (NopObserver) SessionEnded(*domain.Session) {}
func (NopObserver) ViewerRejected(domain.SessionID, apperrors.ErrorCode) {}

// Observers fans lifecycle events out to several observers in order.
type Observers []ports.SessionObserver

func (o Observers) SessionStarted(session *domain.Session, negotiation time.Duration) {
	for _, obs := range o {
		obs.SessionStarted(session, negotiation)
	}
}

func (o Observers) SessionEnded(session *domain.Session) {
	for _, obs := range o {
		obs.SessionEnded(session)
	}
}

func (o Observers) ViewerRejected(id domain.SessionID, code apperrors.ErrorCode) {
	for _, obs := range o {
		obs.ViewerRejected(id, code)
	}
}
