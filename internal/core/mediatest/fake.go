// Package mediatest provides an in-memory media control implementation that
// records every endpoint it hands out, for tests of the signaling core.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"castrelay/internal/core/ports"
)

var ErrInjected = errors.New("injected media failure")

// Media implements every media control port. Zero value is not usable; use
// New.
type Media struct {
	mu sync.Mutex

	// Errors returned by the matching operation when non-nil.
	ConnectErr       error
	PipelineErr      error
	SourceErr        error
	CreateSinkErr    error
	NegotiateErr     error
	ConnectSourceErr error
	PingErr          error

	// NegotiateGate, when set, blocks Negotiate until it is closed or
	// receives, or the context ends. Negotiating receives the sink id each
	// time a negotiation starts waiting.
	NegotiateGate chan struct{}
	Negotiating   chan string

	nextID        int
	sinks         map[string]*Sink
	order         []string
	streamURI     string
	pipelineFreed int
	closed        bool
}

func New() *Media {
	return &Media{sinks: make(map[string]*Sink)}
}

var (
	_ ports.MediaConnector = (*Media)(nil)
	_ ports.MediaClient    = (*Media)(nil)
	_ ports.MediaPipeline  = (*Media)(nil)
)

func (m *Media) Connect(ctx context.Context, uri string) (ports.MediaClient, error) {
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	return m, nil
}

func (m *Media) CreatePipeline(ctx context.Context) (ports.MediaPipeline, error) {
	if m.PipelineErr != nil {
		return nil, m.PipelineErr
	}
	return m, nil
}

func (m *Media) Ping(ctx context.Context) error { return m.PingErr }

func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Media) ID() string { return "pipeline" }

func (m *Media) Release(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineFreed++
}

func (m *Media) CreateSourceEndpoint(ctx context.Context, streamURI string) (ports.SourceEndpoint, error) {
	if m.SourceErr != nil {
		return nil, m.SourceErr
	}
	m.mu.Lock()
	m.streamURI = streamURI
	m.mu.Unlock()
	return &Source{m: m}, nil
}

func (m *Media) CreateSinkEndpoint(ctx context.Context) (ports.SinkEndpoint, error) {
	if m.CreateSinkErr != nil {
		return nil, m.CreateSinkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sink := &Sink{id: fmt.Sprintf("sink-%d", m.nextID), m: m}
	m.sinks[sink.id] = sink
	m.order = append(m.order, sink.id)
	return sink, nil
}

// SinksCreated returns how many sink endpoints were created.
func (m *Media) SinksCreated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Sink returns the n-th created sink (0-based).
func (m *Media) Sink(n int) *Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.order) {
		return nil
	}
	return m.sinks[m.order[n]]
}

// LiveSinks returns how many created sinks were never released.
func (m *Media) LiveSinks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, s := range m.sinks {
		if s.releases == 0 {
			live++
		}
	}
	return live
}

// OverReleased returns ids of sinks released more than once.
func (m *Media) OverReleased() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.order {
		if m.sinks[id].releases > 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

// StreamURI returns the uri the source endpoint was created with.
func (m *Media) StreamURI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamURI
}

// PipelineReleased reports how many times the pipeline was released.
func (m *Media) PipelineReleased() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipelineFreed
}

// Closed reports whether Close was called.
func (m *Media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Source is the fake shared source endpoint.
type Source struct {
	m *Media
}

func (s *Source) ID() string { return "source" }
func (s *Source) Release(ctx context.Context) {}

func (s *Source) Connect(ctx context.Context, sink ports.SinkEndpoint) error {
	if s.m.ConnectSourceErr != nil {
		return s.m.ConnectSourceErr
	}
	fake, ok := sink.(*Sink)
	if !ok {
		return fmt.Errorf("unexpected sink type %T", sink)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	fake.connected = true
	return nil
}

// Sink is a fake per-session sink endpoint.
type Sink struct {
	id        string
	m         *Media
	offer     string
	connected bool
	releases  int
}

func (s *Sink) ID() string { return s.id }

// Negotiate answers "OFFER_X" with "ANSWER_X"; any other offer gets
// "ANSWER:" prepended.
func (s *Sink) Negotiate(ctx context.Context, sdpOffer string) (string, error) {
	if gate := s.m.NegotiateGate; gate != nil {
		if s.m.Negotiating != nil {
			s.m.Negotiating <- s.id
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.m.NegotiateErr != nil {
		return "", s.m.NegotiateErr
	}

	s.m.mu.Lock()
	s.offer = sdpOffer
	s.m.mu.Unlock()

	if strings.HasPrefix(sdpOffer, "OFFER") {
		return "ANSWER" + strings.TrimPrefix(sdpOffer, "OFFER"), nil
	}
	return "ANSWER:" + sdpOffer, nil
}

func (s *Sink) Release(ctx context.Context) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.releases++
}

// Releases returns how many times Release was called.
func (s *Sink) Releases() int {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.releases
}

// Connected reports whether the source was connected to this sink.
func (s *Sink) Connected() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.connected
}

// Offer returns the offer this sink negotiated.
func (s *Sink) Offer() string {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.offer
}
