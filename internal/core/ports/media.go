package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// MediaConnector opens a control connection to the media pipeline service.
type MediaConnector interface {
	Connect(ctx context.Context, uri string) (MediaClient, error)
}

// MediaClient is a live connection to the media pipeline service.
type MediaClient interface {
	CreatePipeline(ctx context.Context) (MediaPipeline, error)
	// Ping checks that the media service still answers.
	Ping(ctx context.Context) error
	Close() error
}

// MediaPipeline owns the shared source endpoint and every per-session sink.
type MediaPipeline interface {
	domain.Releasable
	// CreateSourceEndpoint creates the upstream reader for streamURI and
	// starts playback before returning.
	CreateSourceEndpoint(ctx context.Context, streamURI string) (SourceEndpoint, error)
	CreateSinkEndpoint(ctx context.Context) (SinkEndpoint, error)
}

// SourceEndpoint is the single shared upstream stream reader.
type SourceEndpoint interface {
	domain.Releasable
	// Connect wires media flow from the source to sink. Many sinks may be
	// connected to one source.
	Connect(ctx context.Context, sink SinkEndpoint) error
}

// SinkEndpoint is the outbound leg toward one viewer.
type SinkEndpoint interface {
	domain.Releasable
	// Negotiate processes the viewer's SDP offer and returns the answer.
	Negotiate(ctx context.Context, sdpOffer string) (string, error)
}
