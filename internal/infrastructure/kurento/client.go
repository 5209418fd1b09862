package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"castrelay/internal/core/ports"
	"castrelay/pkg/circuitbreaker"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	typeMediaPipeline  = "MediaPipeline"
	typePlayerEndpoint = "PlayerEndpoint"
	typeWebRtcEndpoint = "WebRtcEndpoint"

	pingInterval = 240000 // ms, what the media server expects between pings
)

// ErrPipelineReleased is returned for sinks requested after the pipeline was
// released.
var ErrPipelineReleased = errors.New("media pipeline released")

// Options configures a Connector.
type Options struct {
	// RequestTimeout bounds every call that has no earlier deadline.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// Breaker guards the per-viewer calls. Only transport failures and
	// timeouts count against it; error replies from the server do not.
	// Nil disables it.
	Breaker *circuitbreaker.CircuitBreaker
	Dialer  *websocket.Dialer
}

// Connector opens Kurento sessions.
type Connector struct {
	opts   Options
	logger *zap.SugaredLogger
}

func NewConnector(opts Options, logger *zap.SugaredLogger) *Connector {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Connector{opts: opts, logger: logger}
}

var _ ports.MediaConnector = (*Connector)(nil)

func (c *Connector) Connect(ctx context.Context, uri string) (ports.MediaClient, error) {
	ws, _, err := c.opts.Dialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", uri, err)
	}
	logger := c.logger.With("media_uri", uri)
	client := &Client{
		timeout: c.opts.RequestTimeout,
		breaker: c.opts.Breaker,
		logger:  logger,
	}
	client.rpc = newRPCConn(ws, c.opts.WriteTimeout, client.reclaim, logger)
	return client, nil
}

// Client is one session with the media server.
type Client struct {
	rpc     *rpcConn
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.MediaClient = (*Client)(nil)

func (c *Client) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.rpc.call(ctx, method, params)
}

// guarded runs a per-viewer call through the breaker when one is set. An
// error reply means the server is up and judged this one request, e.g. an
// unparseable offer, so it is handed back without counting as a failure.
func (c *Client) guarded(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	if c.breaker == nil {
		return c.call(ctx, method, params)
	}

	var replied *RPCError
	raw, err := circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (json.RawMessage, error) {
		raw, err := c.call(ctx, method, params)
		if errors.As(err, &replied) {
			return nil, nil
		}
		return raw, err
	})
	if replied != nil {
		return nil, replied
	}
	return raw, err
}

func (c *Client) create(ctx context.Context, objType string, ctorParams map[string]interface{}, guarded bool) (string, error) {
	params := map[string]interface{}{
		"type":              objType,
		"constructorParams": ctorParams,
		"properties":        map[string]interface{}{},
	}
	call := c.call
	if guarded {
		call = c.guarded
	}
	raw, err := call(ctx, "create", params)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", objType, err)
	}
	return stringValue(raw)
}

func (c *Client) invoke(ctx context.Context, object, operation string, opParams map[string]interface{}, guarded bool) (json.RawMessage, error) {
	if opParams == nil {
		opParams = map[string]interface{}{}
	}
	params := map[string]interface{}{
		"object":          object,
		"operation":       operation,
		"operationParams": opParams,
	}
	call := c.call
	if guarded {
		call = c.guarded
	}
	raw, err := call(ctx, "invoke", params)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke %s on %s: %w", operation, object, err)
	}
	return raw, nil
}

// release frees object and logs instead of failing; the media server
// reclaims anything that is left when the session ends.
func (c *Client) release(ctx context.Context, object string) {
	if _, err := c.call(ctx, "release", map[string]interface{}{"object": object}); err != nil {
		c.logger.Warnw("failed to release media object", "object", object, "error", err)
		return
	}
	c.logger.Debugw("released media object", "object", object)
}

// reclaim releases objects whose create reply arrived after the caller gave
// up. Nobody else knows their ids, so they would otherwise live as long as
// the media server session.
func (c *Client) reclaim(method string, resp *response) {
	if method != "create" || resp.Result == nil {
		return
	}
	id, err := stringValue(resp.Result.Value)
	if err != nil {
		c.logger.Warnw("late create reply without an object id", "error", err)
		return
	}
	c.logger.Warnw("releasing media object created after its request timed out", "object", id)
	c.release(context.Background(), id)
}

func (c *Client) CreatePipeline(ctx context.Context) (ports.MediaPipeline, error) {
	id, err := c.create(ctx, typeMediaPipeline, map[string]interface{}{}, false)
	if err != nil {
		return nil, err
	}
	return &pipeline{id: id, client: c}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.call(ctx, "ping", map[string]interface{}{"interval": pingInterval})
	if err != nil {
		return fmt.Errorf("media server ping failed: %w", err)
	}
	if v, err := stringValue(raw); err != nil || v != "pong" {
		return fmt.Errorf("unexpected ping reply %s", string(raw))
	}
	return nil
}

func (c *Client) Close() error {
	return c.rpc.close()
}

type pipeline struct {
	id       string
	client   *Client
	released atomic.Bool
}

func (p *pipeline) ID() string { return p.id }

func (p *pipeline) Release(ctx context.Context) {
	if p.released.Swap(true) {
		return
	}
	p.client.release(ctx, p.id)
}

// CreateSourceEndpoint creates a PlayerEndpoint for streamURI and starts
// playing it.
func (p *pipeline) CreateSourceEndpoint(ctx context.Context, streamURI string) (ports.SourceEndpoint, error) {
	id, err := p.client.create(ctx, typePlayerEndpoint, map[string]interface{}{
		"mediaPipeline": p.id,
		"uri":           streamURI,
	}, false)
	if err != nil {
		return nil, err
	}

	player := &playerEndpoint{endpoint: endpoint{id: id, client: p.client}}
	if _, err := p.client.invoke(ctx, id, "play", nil, false); err != nil {
		player.Release(ctx)
		return nil, err
	}
	return player, nil
}

func (p *pipeline) CreateSinkEndpoint(ctx context.Context) (ports.SinkEndpoint, error) {
	if p.released.Load() {
		return nil, ErrPipelineReleased
	}
	id, err := p.client.create(ctx, typeWebRtcEndpoint, map[string]interface{}{
		"mediaPipeline": p.id,
	}, true)
	if err != nil {
		return nil, err
	}
	return &webRtcEndpoint{endpoint: endpoint{id: id, client: p.client}}, nil
}

type endpoint struct {
	id       string
	client   *Client
	released atomic.Bool
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Release(ctx context.Context) {
	if e.released.Swap(true) {
		return
	}
	e.client.release(ctx, e.id)
}

type playerEndpoint struct {
	endpoint
}

func (p *playerEndpoint) Connect(ctx context.Context, sink ports.SinkEndpoint) error {
	_, err := p.client.invoke(ctx, p.id, "connect", map[string]interface{}{"sink": sink.ID()}, true)
	return err
}

type webRtcEndpoint struct {
	endpoint
}

func (w *webRtcEndpoint) Negotiate(ctx context.Context, sdpOffer string) (string, error) {
	raw, err := w.client.invoke(ctx, w.id, "processOffer", map[string]interface{}{"offer": sdpOffer}, true)
	if err != nil {
		return "", err
	}
	return stringValue(raw)
}
