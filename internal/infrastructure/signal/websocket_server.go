package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errConnectionClosed = errors.New("connection closed")

// ConnectionObserver is told when signaling connections open and close.
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Options tunes the keepalive and abuse limits of signaling connections.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond float64
	Burst             int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// WebSocketServer accepts signaling connections, gives each a fresh session
// id and tears the session down once when the connection ends.
type WebSocketServer struct {
	viewers  ports.ViewerService
	handler  *ProtocolHandler
	observer ConnectionObserver
	ids      utils.Sequence
	upgrader websocket.Upgrader
	opts     Options

	connections map[domain.SessionID]*Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewWebSocketServer(viewers ports.ViewerService, opts Options, observer ConnectionObserver, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketServer{
		viewers:  viewers,
		handler:  NewProtocolHandler(viewers, logger),
		observer: observer,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		opts:        opts,
		connections: make(map[domain.SessionID]*Connection),
		logger:      logger,
	}
}

// Connection is one signaling connection and the session id bound to it.
type Connection struct {
	ID domain.SessionID

	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       chan struct{}
	closeOnce    sync.Once
}

// Send writes v as one JSON text frame. Concurrent calls are serialized.
func (c *Connection) Send(v interface{}) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	conn := &Connection{
		ID:           domain.SessionID(s.ids.Next()),
		ws:           ws,
		writeTimeout: s.opts.WriteTimeout,
		closed:       make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[conn.ID] = conn
	s.mu.Unlock()
	s.wg.Add(1)
	defer s.wg.Done()

	if s.observer != nil {
		s.observer.ConnectionOpened()
	}
	log := s.logger.With("session_id", conn.ID)
	log.Infow("connection received", "remote_addr", r.RemoteAddr)

	var reason error
	defer func() { s.teardown(conn, reason, log) }()

	if s.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.opts.MaxMessageBytes)
	}
	if s.opts.PongTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		})
	}

	if s.opts.PingInterval > 0 {
		go s.keepAlive(conn, log)
	}

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			reason = err
			return
		}
		if s.opts.PongTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		}
		if msgType != websocket.TextMessage {
			log.Debugw("ignoring non-text frame", "type", msgType)
			continue
		}
		// stop always gets through so a throttled viewer can still end its
		// session
		if limiter != nil && !limiter.Allow() && !isStop(data) {
			log.Warnw("message rate exceeded, dropping message")
			if err := conn.Send(errorMessage("rate limit exceeded")); err != nil {
				log.Debugw("failed to send message", "error", err)
			}
			continue
		}

		s.handler.Handle(r.Context(), conn.ID, conn, data)
	}
}

func isStop(data []byte) bool {
	msg, err := ParseMessage(data)
	return err == nil && msg.ID == MessageStop
}

func (s *WebSocketServer) keepAlive(conn *Connection, log *zap.SugaredLogger) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debugw("ping failed", "error", err)
				conn.ws.Close()
				return
			}
		}
	}
}

// teardown runs once per connection, whether it ended by close or error.
func (s *WebSocketServer) teardown(conn *Connection, reason error, log *zap.SugaredLogger) {
	conn.closeOnce.Do(func() {
		close(conn.closed)

		s.mu.Lock()
		delete(s.connections, conn.ID)
		s.mu.Unlock()

		s.viewers.StopViewer(context.Background(), conn.ID)
		conn.ws.Close()

		if s.observer != nil {
			s.observer.ConnectionClosed()
		}

		if reason != nil && websocket.IsUnexpectedCloseError(reason, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			log.Infow("connection error", "error", reason)
			return
		}
		log.Infow("connection closed")
	})
}

// ConnectionCount returns the number of open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown sends a close frame to every connection and waits for their
// sessions and any in-flight viewer requests to be torn down.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		deadline := time.Now().Add(time.Second)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.ws.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// peers that never answer the close frame
		for _, c := range conns {
			c.ws.Close()
		}
		return ctx.Err()
	}
	return s.handler.Wait(ctx)
}
