package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/repositories/memory"
	"castrelay/internal/infrastructure/signal"
	localrtc "castrelay/internal/infrastructure/webrtc"
	"castrelay/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// newLocalServer runs the signaling server on the local media driver.
func newLocalServer(t *testing.T) (*memory.SessionRegistry, string) {
	t.Helper()

	ctx := context.Background()
	media, err := services.BootstrapMedia(ctx,
		localrtc.NewConnector(localrtc.Config{Codec: "vp8"}, nil),
		"local", "udp://127.0.0.1:0", retry.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { media.Close(context.Background()) })

	registry := memory.NewSessionRegistry()
	viewers := services.NewViewerService(registry, media, nil, nil)
	server := signal.NewWebSocketServer(viewers, signal.DefaultOptions(), nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(srv.Close)
	return registry, wsURL(srv)
}

// scriptedServer answers every viewer message with reply.
func scriptedServer(t *testing.T, reply interface{}) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteJSON(map[string]string{"id": "iceCandidate"})
		for {
			var msg signal.InboundMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg.ID == signal.MessageViewer {
				ws.WriteJSON(reply)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func TestViewer_AcceptedByLocalServer(t *testing.T) {
	registry, url := newLocalServer(t)

	v := NewViewer(Config{URL: url, AnswerTimeout: 10 * time.Second}, nil)
	t.Cleanup(func() { v.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, v.Watch(ctx))

	assert.Equal(t, domain.StateActive, registry.State("1"))
	require.NotNil(t, v.pc.RemoteDescription())
	assert.Contains(t, v.pc.RemoteDescription().SDP, "a=sendonly")

	require.NoError(t, v.Stop())
	assert.Eventually(t, func() bool {
		return registry.State("1") == domain.StateNone
	}, 3*time.Second, 20*time.Millisecond)
}

func TestViewer_Rejected(t *testing.T) {
	url := scriptedServer(t, signal.ViewerResponse{
		ID:       signal.MessageViewerResponse,
		Response: signal.ResponseRejected,
		Message:  "You are already viewing in this session.",
	})

	v := NewViewer(Config{URL: url}, nil)
	t.Cleanup(func() { v.Close() })

	err := v.Watch(context.Background())
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "already viewing")
}

func TestViewer_ServerError(t *testing.T) {
	url := scriptedServer(t, signal.ErrorMessage{ID: signal.MessageError, Message: "Invalid message"})

	v := NewViewer(Config{URL: url}, nil)
	t.Cleanup(func() { v.Close() })

	err := v.Watch(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "server error: Invalid message")
}

func TestViewer_AnswerTimeout(t *testing.T) {
	// a server that never answers
	url := scriptedServer(t, map[string]string{"id": "noop"})

	v := NewViewer(Config{URL: url, AnswerTimeout: 200 * time.Millisecond}, nil)
	t.Cleanup(func() { v.Close() })

	start := time.Now()
	err := v.Watch(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestViewer_DialFailure(t *testing.T) {
	v := NewViewer(Config{URL: "ws://127.0.0.1:1/call", DialTimeout: time.Second}, nil)

	err := v.Watch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial")
	assert.NoError(t, v.Close())
	assert.NoError(t, v.Stop())
}
