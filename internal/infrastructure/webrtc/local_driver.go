package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"castrelay/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpBufferSize = 1500

var (
	errEngineClosed     = errors.New("local media engine closed")
	errPipelineReleased = errors.New("local pipeline released")
)

// Config configures the in-process media driver.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Codec string // h264 or vp8
}

// CodecCapability maps a configured codec name to its RTP capability.
func CodecCapability(codec string) (webrtc.RTPCodecCapability, error) {
	switch strings.ToLower(codec) {
	case "", "h264":
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil
	case "vp8":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported codec %q", codec)
	}
}

// Connector hands out local engines. The uri is ignored; everything runs in
// this process.
type Connector struct {
	config Config
	logger *zap.SugaredLogger
}

func NewConnector(config Config, logger *zap.SugaredLogger) *Connector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Connector{config: config, logger: logger}
}

var _ ports.MediaConnector = (*Connector)(nil)

func (c *Connector) Connect(ctx context.Context, uri string) (ports.MediaClient, error) {
	codec, err := CodecCapability(c.config.Codec)
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if c.config.PortRange.Min > 0 && c.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(c.config.PortRange.Min, c.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Engine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		pcConf: webrtc.Configuration{ICEServers: c.config.ICEServers},
		codec:  codec,
		logger: c.logger,
	}, nil
}

// Engine is the local stand-in for a media server session.
type Engine struct {
	api    *webrtc.API
	pcConf webrtc.Configuration
	codec  webrtc.RTPCodecCapability
	logger *zap.SugaredLogger

	mu        sync.Mutex
	pipelines []*Pipeline
	closed    bool
}

var _ ports.MediaClient = (*Engine)(nil)

func (e *Engine) CreatePipeline(ctx context.Context) (ports.MediaPipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}

	p := &Pipeline{
		id:     fmt.Sprintf("local-pipeline-%d", len(e.pipelines)+1),
		engine: e,
		sinks:  make(map[string]*Sink),
	}
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	pipelines := e.pipelines
	e.pipelines = nil
	e.closed = true
	e.mu.Unlock()

	for _, p := range pipelines {
		p.Release(context.Background())
	}
	return nil
}

// Pipeline owns one RTP source and the peer connections fed from it.
type Pipeline struct {
	id     string
	engine *Engine

	mu       sync.Mutex
	source   *Source
	sinks    map[string]*Sink
	nextID   int
	released bool
	release  sync.Once
}

var _ ports.MediaPipeline = (*Pipeline)(nil)

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) Release(ctx context.Context) {
	p.release.Do(func() {
		p.mu.Lock()
		p.released = true
		source := p.source
		sinks := make([]*Sink, 0, len(p.sinks))
		for _, s := range p.sinks {
			sinks = append(sinks, s)
		}
		p.mu.Unlock()

		for _, s := range sinks {
			s.Release(ctx)
		}
		if source != nil {
			source.Release(ctx)
		}
	})
}

// CreateSourceEndpoint listens for RTP on a udp:// or rtp:// address and
// starts forwarding it into a shared local track.
func (p *Pipeline) CreateSourceEndpoint(ctx context.Context, streamURI string) (ports.SourceEndpoint, error) {
	u, err := url.Parse(streamURI)
	if err != nil {
		return nil, fmt.Errorf("invalid stream uri %q: %w", streamURI, err)
	}
	if u.Scheme != "udp" && u.Scheme != "rtp" {
		return nil, fmt.Errorf("local driver cannot play %q streams, use udp:// or rtp://", u.Scheme)
	}

	conn, err := net.ListenPacket("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", u.Host, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(p.engine.codec, "video", "castrelay")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create source track: %w", err)
	}

	src := &Source{
		id:     p.id + "-source",
		conn:   conn,
		track:  track,
		logger: p.engine.logger.With("source", streamURI),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.source = src
	p.mu.Unlock()

	go src.forward()
	return src, nil
}

// CreateSinkEndpoint creates a peer connection with one send-only video
// transceiver. Until the source is connected the transceiver sends nothing.
func (p *Pipeline) CreateSinkEndpoint(ctx context.Context) (ports.SinkEndpoint, error) {
	if p.isReleased() {
		return nil, errPipelineReleased
	}

	pc, err := p.engine.api.NewPeerConnection(p.engine.pcConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("%s-sink-%d", p.id, p.nextID)
	p.mu.Unlock()

	placeholder, err := webrtc.NewTrackLocalStaticRTP(p.engine.codec, "video", id)
	if err != nil {
		pc.Close()
		return nil, err
	}
	transceiver, err := pc.AddTransceiverFromTrack(placeholder, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	sink := &Sink{
		id:       id,
		pc:       pc,
		sender:   transceiver.Sender(),
		pipeline: p,
		logger:   p.engine.logger.With("sink_id", id),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		sink.logger.Debugw("peer connection state changed", "state", state.String())
	})

	p.mu.Lock()
	if p.released {
		// lost a race with Release
		p.mu.Unlock()
		pc.Close()
		return nil, errPipelineReleased
	}
	p.sinks[id] = sink
	p.mu.Unlock()

	go sink.readRTCP()
	return sink, nil
}

func (p *Pipeline) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.sinks, id)
	p.mu.Unlock()
}

// Source reads RTP packets from a UDP socket into a local track.
type Source struct {
	id     string
	conn   net.PacketConn
	track  *webrtc.TrackLocalStaticRTP
	logger *zap.SugaredLogger

	packets atomic.Uint64
	bytes   atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

var _ ports.SourceEndpoint = (*Source)(nil)

func (s *Source) ID() string { return s.id }

// Addr is the local address RTP should be sent to.
func (s *Source) Addr() net.Addr { return s.conn.LocalAddr() }

// Packets returns how many RTP packets were forwarded.
func (s *Source) Packets() uint64 { return s.packets.Load() }

func (s *Source) Release(ctx context.Context) {
	s.once.Do(func() {
		s.conn.Close()
		<-s.done
		s.logger.Infow("source stopped", "packets", s.packets.Load(), "bytes", s.bytes.Load())
	})
}

func (s *Source) forward() {
	defer close(s.done)

	buf := make([]byte, rtpBufferSize)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warnw("rtp read failed", "error", err)
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("dropping non-rtp datagram", "size", n, "error", err)
			continue
		}
		if err := s.track.WriteRTP(pkt); err != nil {
			s.logger.Debugw("track write failed", "error", err)
			continue
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(n))
	}
}

// Connect starts sending the shared track to sink. It works before or after
// negotiation since only the sender's track is swapped.
func (s *Source) Connect(ctx context.Context, sink ports.SinkEndpoint) error {
	local, ok := sink.(*Sink)
	if !ok {
		return fmt.Errorf("cannot connect local source to %T", sink)
	}
	if err := local.sender.ReplaceTrack(s.track); err != nil {
		return fmt.Errorf("failed to attach source track: %w", err)
	}
	return nil
}

// Sink is one viewer's peer connection.
type Sink struct {
	id       string
	pc       *webrtc.PeerConnection
	sender   *webrtc.RTPSender
	pipeline *Pipeline
	logger   *zap.SugaredLogger

	keyframeRequests atomic.Uint64
	once             sync.Once
}

var _ ports.SinkEndpoint = (*Sink)(nil)

func (s *Sink) ID() string { return s.id }

// KeyframeRequests returns how many PLIs the viewer sent.
func (s *Sink) KeyframeRequests() uint64 { return s.keyframeRequests.Load() }

// Negotiate applies the viewer's offer and returns an answer with all ICE
// candidates gathered, since no trickle channel exists.
func (s *Sink) Negotiate(ctx context.Context, sdpOffer string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after gathering")
	}
	return local.SDP, nil
}

func (s *Sink) Release(ctx context.Context) {
	s.once.Do(func() {
		if err := s.pc.Close(); err != nil {
			s.logger.Warnw("failed to close peer connection", "error", err)
		}
		s.pipeline.forget(s.id)
	})
}

// readRTCP drains viewer feedback and counts keyframe requests.
func (s *Sink) readRTCP() {
	for {
		pkts, _, err := s.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.keyframeRequests.Add(1)
			}
		}
	}
}
