package services

import (
	"context"
	"fmt"
	"time"

	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/retry"

	"go.uber.org/zap"
)

// MediaState is the process-wide media setup every viewer shares: one
// client connection, one pipeline, and one source endpoint playing the
// camera stream.
type MediaState struct {
	Client   ports.MediaClient
	Pipeline ports.MediaPipeline
	Source   ports.SourceEndpoint
}

// BootstrapMedia connects to the media service at uri, creates the shared
// pipeline and starts the source reading streamURI. The connect step is
// retried according to rc; later steps are not. Anything created before a
// failure is released again.
func BootstrapMedia(
	ctx context.Context,
	connector ports.MediaConnector,
	uri, streamURI string,
	rc retry.Config,
	logger *zap.SugaredLogger,
) (*MediaState, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("media server not reachable, retrying",
			"uri", uri, "attempt", attempt, "delay", delay.String(), "error", err)
	}
	client, err := retry.Do(ctx, rc, func(ctx context.Context) (ports.MediaClient, error) {
		return connector.Connect(ctx, uri)
	})
	if err != nil {
		return nil, apperrors.NewMediaConnectionError(uri, err)
	}
	logger.Infow("connected to media server", "uri", uri)

	pipeline, err := client.CreatePipeline(ctx)
	if err != nil {
		client.Close()
		return nil, apperrors.NewPipelineCreationError(err)
	}

	source, err := pipeline.CreateSourceEndpoint(ctx, streamURI)
	if err != nil {
		pipeline.Release(ctx)
		client.Close()
		return nil, apperrors.NewSourceCreationError(err)
	}
	logger.Infow("source playing", "stream_uri", streamURI, "pipeline_id", pipeline.ID(), "source_id", source.ID())

	return &MediaState{Client: client, Pipeline: pipeline, Source: source}, nil
}

// Close releases the source and pipeline and closes the client.
func (m *MediaState) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.Source != nil {
		m.Source.Release(ctx)
	}
	if m.Pipeline != nil {
		m.Pipeline.Release(ctx)
	}
	if m.Client != nil {
		if err := m.Client.Close(); err != nil {
			return fmt.Errorf("failed to close media client: %w", err)
		}
	}
	return nil
}

// Ping checks that the media service still answers.
func (m *MediaState) Ping(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return fmt.Errorf("media not initialized")
	}
	return m.Client.Ping(ctx)
}
