package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"castrelay/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrRejected is returned by Watch when the server refuses the viewer.
var ErrRejected = errors.New("viewer rejected")

// Config holds viewer client configuration
type Config struct {
	// URL of the signaling endpoint, e.g. ws://localhost:8080/call.
	URL         string
	ICEServers  []webrtc.ICEServer
	DialTimeout time.Duration
	// AnswerTimeout bounds the wait for viewerResponse.
	AnswerTimeout time.Duration
}

// Viewer is a headless signaling client: it offers to receive video, counts
// the RTP packets that arrive and stops on request.
type Viewer struct {
	config Config
	logger *zap.SugaredLogger

	ws      *websocket.Conn
	writeMu sync.Mutex
	pc      *webrtc.PeerConnection

	packets atomic.Uint64
	bytes   atomic.Uint64
}

// NewViewer creates a new viewer client
func NewViewer(config Config, logger *zap.SugaredLogger) *Viewer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.AnswerTimeout <= 0 {
		config.AnswerTimeout = 30 * time.Second
	}
	return &Viewer{config: config, logger: logger}
}

// Watch connects, sends a viewer offer and applies the answer. It returns
// once the server accepted or refused; media keeps flowing until Stop or
// Close.
func (v *Viewer) Watch(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, v.config.DialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, v.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", v.config.URL, err)
	}
	v.ws = ws

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: v.config.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	v.pc = pc

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("failed to add transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		v.logger.Infow("track received", "codec", track.Codec().MimeType, "ssrc", track.SSRC())
		go v.readTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.logger.Debugw("peer connection state changed", "state", state.String())
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := v.send(signal.InboundMessage{
		ID:       signal.MessageViewer,
		SDPOffer: pc.LocalDescription().SDP,
	}); err != nil {
		return err
	}

	resp, err := v.awaitResponse(ctx)
	if err != nil {
		return err
	}
	if resp.Response != signal.ResponseAccepted {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  resp.SDPAnswer,
	}); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	v.logger.Infow("viewer accepted", "url", v.config.URL)
	return nil
}

// awaitResponse reads frames until a viewerResponse arrives. Error frames
// end the wait.
func (v *Viewer) awaitResponse(ctx context.Context) (signal.ViewerResponse, error) {
	deadline := time.Now().Add(v.config.AnswerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	v.ws.SetReadDeadline(deadline)
	defer v.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := v.ws.ReadMessage()
		if err != nil {
			return signal.ViewerResponse{}, fmt.Errorf("failed to read response: %w", err)
		}

		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			v.logger.Warnw("ignoring malformed frame", "error", err)
			continue
		}

		switch envelope.ID {
		case signal.MessageViewerResponse:
			var resp signal.ViewerResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return signal.ViewerResponse{}, fmt.Errorf("failed to decode viewerResponse: %w", err)
			}
			return resp, nil
		case signal.MessageError:
			var msg signal.ErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return signal.ViewerResponse{}, fmt.Errorf("failed to decode error: %w", err)
			}
			return signal.ViewerResponse{}, fmt.Errorf("server error: %s", msg.Message)
		default:
			v.logger.Debugw("ignoring frame", "id", envelope.ID)
		}
	}
}

func (v *Viewer) readTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		v.packets.Add(1)
		v.bytes.Add(uint64(len(pkt.Payload)))
	}
}

// Packets returns the number of RTP packets received so far.
func (v *Viewer) Packets() uint64 { return v.packets.Load() }

// Bytes returns the RTP payload bytes received so far.
func (v *Viewer) Bytes() uint64 { return v.bytes.Load() }

// Stop asks the server to tear the session down. The connection stays open.
func (v *Viewer) Stop() error {
	if v.ws == nil {
		return nil
	}
	return v.send(signal.InboundMessage{ID: signal.MessageStop})
}

// Close closes the peer connection and the signaling connection.
func (v *Viewer) Close() error {
	var errs []error
	if v.pc != nil {
		errs = append(errs, v.pc.Close())
	}
	if v.ws != nil {
		v.writeMu.Lock()
		v.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		v.writeMu.Unlock()
		errs = append(errs, v.ws.Close())
	}
	return errors.Join(errs...)
}

func (v *Viewer) send(msg interface{}) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if err := v.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
