package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var ErrPublisherClosed = errors.New("publisher closed")

type PublisherConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	StreamID   string
	Logger     *slog.Logger

	// OnCandidate receives each locally gathered candidate for trickling to
	// the browser.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnStateChange is called for every PeerConnection state change.
	OnStateChange func(webrtc.PeerConnectionState)
}

// Stats counts media received from the browser.
type Stats struct {
	Tracks  int
	Packets uint64
	Bytes   uint64
}

// Publisher is the server side of a browser's WebRTC publish. It answers the
// browser's offer and drains the incoming tracks.
type Publisher struct {
	pc       *webrtc.PeerConnection
	streamID string
	logger   *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	tracks  atomic.Int32
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		pc:       pc,
		streamID: cfg.StreamID,
		logger:   logger.With("stream_id", cfg.StreamID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || cfg.OnCandidate == nil {
			return
		}
		cfg.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("publisher connection state", "state", state.String())
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.tracks.Add(1)
		p.logger.Info("publisher track started", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		go p.drain(track)
	})
	return p, nil
}

func (p *Publisher) StreamID() string { return p.streamID }

// Answer applies the browser's offer and returns the SDP answer. Candidates
// received before the offer are applied afterwards.
func (p *Publisher) Answer(offerSDP string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrPublisherClosed
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	p.remoteSet = true
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn("dropping buffered ice candidate", "err", err)
		}
	}
	p.pending = nil

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// AddCandidate applies a remote candidate, buffering it until the offer
// has been applied.
func (p *Publisher) AddCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Tracks:  int(p.tracks.Load()),
		Packets: p.packets.Load(),
		Bytes:   p.bytes.Load(),
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	return p.pc.Close()
}

func (p *Publisher) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		p.packets.Add(1)
		p.bytes.Add(uint64(n))
	}
}
