package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
	EventViewerRejected EventType = "viewer.rejected"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 2 * time.Second
)

// Event represents a distributed event
type Event struct {
	Type          EventType           `json:"type"`
	InstanceID    string              `json:"instance_id"`
	Timestamp     time.Time           `json:"timestamp"`
	SessionID     domain.SessionID    `json:"session_id"`
	SinkID        string              `json:"sink_id,omitempty"`
	NegotiationMS int64               `json:"negotiation_ms,omitempty"`
	Code          apperrors.ErrorCode `json:"code,omitempty"`
}

// Publisher is the part of a redis client the bus publishes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventBus announces session lifecycle changes of this instance on a redis
// channel and consumes the announcements of the other instances. It is a
// ports.SessionObserver; events are queued and published off the caller's
// goroutine, and dropped when the queue is full.
type EventBus struct {
	client     Publisher
	subscriber redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	queue   chan *Event
	dropped uint64
	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
}

var _ ports.SessionObserver = (*EventBus)(nil)

// NewEventBus creates a new event bus. subscriber may be nil when the
// instance only publishes.
func NewEventBus(
	client Publisher,
	subscriber redis.UniversalClient,
	channel string,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	eb := &EventBus{
		client:     client,
		subscriber: subscriber,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		queue:      make(chan *Event, defaultQueueSize),
	}
	eb.wg.Add(1)
	go eb.publishLoop()
	return eb
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
	)

	return nil
}

func (eb *EventBus) enqueue(event *Event) {
	event.Timestamp = time.Now()

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	select {
	case eb.queue <- event:
	default:
		eb.dropped++
		eb.logger.Warnw("event queue full, dropping event", "type", event.Type, "dropped", eb.dropped)
	}
}

func (eb *EventBus) publishLoop() {
	defer eb.wg.Done()
	for event := range eb.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		if err := eb.Publish(ctx, event); err != nil {
			eb.logger.Warnw("failed to publish session event", "type", event.Type, "error", err)
		}
		cancel()
	}
}

func (eb *EventBus) SessionStarted(session *domain.Session, negotiation time.Duration) {
	event := &Event{
		Type:          EventSessionStarted,
		SessionID:     session.ID,
		NegotiationMS: negotiation.Milliseconds(),
	}
	if session.Sink != nil {
		event.SinkID = session.Sink.ID()
	}
	eb.enqueue(event)
}

func (eb *EventBus) SessionEnded(session *domain.Session) {
	event := &Event{Type: EventSessionEnded, SessionID: session.ID}
	if session.Sink != nil {
		event.SinkID = session.Sink.ID()
	}
	eb.enqueue(event)
}

func (eb *EventBus) ViewerRejected(id domain.SessionID, code apperrors.ErrorCode) {
	eb.enqueue(&Event{Type: EventViewerRejected, SessionID: id, Code: code})
}

// Subscribe subscribes to events and calls handler for each event published
// by another instance. It blocks until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.subscriber == nil {
		return fmt.Errorf("event bus has no subscriber client")
	}

	pubsub := eb.subscriber.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.handleMessage(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) handleMessage(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"error", err,
		)
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	close(eb.queue)
	eb.mu.Unlock()

	eb.wg.Wait()
	return nil
}
