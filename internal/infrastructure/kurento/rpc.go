// Package kurento drives a Kurento Media Server over its JSON-RPC 2.0
// websocket protocol.
package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned for calls made on, or pending when, the connection
// goes away.
var ErrClosed = errors.New("kurento connection closed")

// RPCError is an error object returned by the media server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("kurento error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  *result         `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type result struct {
	Value     json.RawMessage `json:"value,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type pendingCall struct {
	method string
	ch     chan *response
}

// lateFunc receives a successful response whose caller stopped waiting.
type lateFunc func(method string, resp *response)

// rpcConn multiplexes requests over one websocket. Responses are matched to
// callers by id; server notifications are logged and dropped.
type rpcConn struct {
	ws *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu        sync.Mutex
	pending   map[uint64]pendingCall
	abandoned map[uint64]string
	sessionID string
	late      lateFunc

	nextID atomic.Uint64
	done   chan struct{}
	once   sync.Once
	err    error

	logger *zap.SugaredLogger
}

func newRPCConn(ws *websocket.Conn, writeTimeout time.Duration, late lateFunc, logger *zap.SugaredLogger) *rpcConn {
	c := &rpcConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		pending:      make(map[uint64]pendingCall),
		abandoned:    make(map[uint64]string),
		late:         late,
		done:         make(chan struct{}),
		logger:       logger,
	}
	go c.readLoop()
	return c
}

func (c *rpcConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warnw("dropping malformed message from media server", "error", err)
			continue
		}
		if resp.ID == nil {
			c.logger.Debugw("media server notification", "method", resp.Method)
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		method, gaveUp := c.abandoned[*resp.ID]
		delete(c.abandoned, *resp.ID)
		if resp.Result != nil && resp.Result.SessionID != "" {
			c.sessionID = resp.Result.SessionID
		}
		c.mu.Unlock()

		switch {
		case ok:
			call.ch <- &resp
		case gaveUp:
			c.handleLate(method, &resp)
		default:
			c.logger.Debugw("response for unknown request", "id", *resp.ID)
		}
	}
}

func (c *rpcConn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]pendingCall)
		c.abandoned = make(map[uint64]string)
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

// call sends method with params and waits for the matching response.
// params may be a map into which the current sessionId is added.
func (c *rpcConn) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = pendingCall{method: method, ch: ch}
	if c.sessionID != "" {
		params["sessionId"] = c.sessionID
	}
	c.mu.Unlock()

	if err := c.write(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		if resp.Result == nil {
			return nil, nil
		}
		return resp.Result.Value, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		if resp := c.abandon(id, ch); resp != nil {
			c.handleLate(method, resp)
		}
		return nil, ctx.Err()
	}
}

// abandon stops waiting for id but keeps listening for its response, since
// the server may still act on the request. If the response was already on
// its way to ch it is returned instead.
func (c *rpcConn) abandon(id uint64, ch chan *response) *response {
	c.mu.Lock()
	if call, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.abandoned[id] = call.method
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case resp := <-ch:
		return resp
	case <-c.done:
		return nil
	}
}

func (c *rpcConn) handleLate(method string, resp *response) {
	if resp.Error != nil || c.late == nil {
		c.logger.Debugw("dropping late response", "method", method)
		return
	}
	// late may call back into the connection; never block the read loop on it
	go c.late(method, resp)
}

func (c *rpcConn) write(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(req)
}

func (c *rpcConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

func (c *rpcConn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *rpcConn) close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(ErrClosed)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// stringValue decodes a result value that is a JSON string.
func stringValue(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("unexpected result value %s: %w", string(raw), err)
	}
	return s, nil
}
