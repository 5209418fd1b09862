package monitoring

import (
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports session lifecycle metrics. It is a
// ports.SessionObserver and also tracks signaling connections.
type PrometheusCollector struct {
	sessionsActive     prometheus.Gauge
	connectionsActive  prometheus.Gauge
	viewerRequests     *prometheus.CounterVec
	viewerRejections   *prometheus.CounterVec
	sinkReleases       prometheus.Counter
	negotiationSeconds prometheus.Histogram
	sessionSeconds     prometheus.Histogram
}

var _ ports.SessionObserver = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the metrics with reg, or with the default
// registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_sessions_active",
			Help: "Number of viewers currently receiving the stream",
		}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_connections_active",
			Help: "Number of open signaling connections",
		}),

		viewerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_viewer_requests_total",
			Help: "Viewer requests by outcome",
		}, []string{"result"}),

		viewerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_viewer_rejections_total",
			Help: "Rejected viewer requests by error code",
		}, []string{"code"}),

		sinkReleases: factory.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_sink_releases_total",
			Help: "Sink endpoints released on the media server",
		}),

		negotiationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castrelay_negotiation_duration_seconds",
			Help:    "Time from viewer request to accepted answer",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		sessionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castrelay_session_duration_seconds",
			Help:    "How long viewers stayed",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (p *PrometheusCollector) SessionStarted(session *domain.Session, negotiation time.Duration) {
	p.sessionsActive.Inc()
	p.viewerRequests.WithLabelValues("accepted").Inc()
	p.negotiationSeconds.Observe(negotiation.Seconds())
}

func (p *PrometheusCollector) SessionEnded(session *domain.Session) {
	p.sessionsActive.Dec()
	p.sinkReleases.Inc()
	if !session.StartedAt.IsZero() {
		p.sessionSeconds.Observe(time.Since(session.StartedAt).Seconds())
	}
}

func (p *PrometheusCollector) ViewerRejected(id domain.SessionID, code apperrors.ErrorCode) {
	p.viewerRequests.WithLabelValues("rejected").Inc()
	p.viewerRejections.WithLabelValues(string(code)).Inc()

	// these failures happen after the sink exists, so it was released
	switch code {
	case apperrors.ErrCodeNegotiation, apperrors.ErrCodeSourceConnect, apperrors.ErrCodeSessionCancelled:
		p.sinkReleases.Inc()
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}
