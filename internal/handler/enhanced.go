package handler

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/webrtcpeer"
)

// NewEnhancedFactory registers as the enhanced handler kind. api is shared by
// every publisher the handlers create.
func NewEnhancedFactory(cfg Config, api *webrtc.API) session.HandlerFactory {
	return session.HandlerFactoryFunc(func(app session.AppContext, t session.Transport, info session.Info) (session.Handler, error) {
		base, err := newBaseline(cfg, app, t, info)
		if err != nil {
			return nil, err
		}
		return &Enhanced{Baseline: base, api: api, ingests: make(map[string]*ingest)}, nil
	})
}

// Enhanced adds browser publishing over WebRTC. A publish request starts
// negotiation; the broadcast is announced once ICE connects.
type Enhanced struct {
	*Baseline
	api *webrtc.API

	ingestMu sync.Mutex
	ingests  map[string]*ingest
}

type ingest struct {
	pub       *webrtcpeer.Publisher
	announced bool
}

func (h *Enhanced) HandleMessage(ctx context.Context, payload string) error {
	msg, err := parseMessage(payload)
	if err != nil {
		h.metrics.Inc(metrics.SignalingBadMessage)
		return h.sendError("", DefInvalidMessage)
	}
	switch msg.Command {
	case cmdPublish:
		return h.publish(msg.StreamID)
	case cmdTakeConfiguration:
		return h.takeConfiguration(msg)
	case cmdTakeCandidate:
		return h.takeCandidate(msg)
	case cmdStop:
		if h.dropIngest(msg.StreamID) && !h.isPublishing(msg.StreamID) {
			// Negotiation never completed, so nothing was announced.
			return h.notify(msg.StreamID, DefPublishFinished)
		}
		return h.Baseline.stop(ctx, msg.StreamID)
	default:
		return h.Baseline.dispatch(ctx, msg)
	}
}

func (h *Enhanced) Close() {
	h.ingestMu.Lock()
	ingests := h.ingests
	h.ingests = nil
	h.ingestMu.Unlock()
	for _, in := range ingests {
		_ = in.pub.Close()
	}
	h.Baseline.Close()
}

func (h *Enhanced) publish(streamID string) error {
	if ok, err := h.beginPublish(streamID); !ok {
		return err
	}
	h.ingestMu.Lock()
	_, dup := h.ingests[streamID]
	h.ingestMu.Unlock()
	if dup {
		return h.sendError(streamID, DefAlreadyPublishing)
	}

	pub, err := webrtcpeer.NewPublisher(webrtcpeer.PublisherConfig{
		API:        h.api,
		ICEServers: h.iceServers(),
		StreamID:   streamID,
		Logger:     h.logger,
		OnCandidate: func(c webrtc.ICECandidateInit) {
			h.trickle(streamID, c)
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			h.onPeerState(streamID, state)
		},
	})
	if err != nil {
		h.metrics.Inc(metrics.PeerConnectionsFailed)
		h.logger.Error("failed to create publisher", "stream_id", streamID, "err", err)
		return h.sendError(streamID, DefLifecycleFailed)
	}
	h.metrics.Inc(metrics.PeerConnectionsCreated)

	h.ingestMu.Lock()
	if h.ingests == nil {
		h.ingestMu.Unlock()
		return pub.Close()
	}
	h.ingests[streamID] = &ingest{pub: pub}
	h.ingestMu.Unlock()

	return h.send(Message{Command: cmdStart, StreamID: streamID})
}

func (h *Enhanced) publisher(streamID string) *webrtcpeer.Publisher {
	h.ingestMu.Lock()
	defer h.ingestMu.Unlock()
	if in, ok := h.ingests[streamID]; ok {
		return in.pub
	}
	return nil
}

func (h *Enhanced) takeConfiguration(msg Message) error {
	pub := h.publisher(msg.StreamID)
	if pub == nil {
		return h.sendError(msg.StreamID, DefNoStreamExist)
	}
	if msg.Type != webrtc.SDPTypeOffer.String() || msg.SDP == "" {
		return h.sendError(msg.StreamID, DefInvalidSDP)
	}
	answer, err := pub.Answer(msg.SDP)
	if err != nil {
		h.logger.Warn("rejecting offer", "stream_id", msg.StreamID, "err", err)
		return h.sendError(msg.StreamID, DefInvalidSDP)
	}
	return h.send(Message{
		Command:  cmdTakeConfiguration,
		StreamID: msg.StreamID,
		Type:     webrtc.SDPTypeAnswer.String(),
		SDP:      answer,
	})
}

func (h *Enhanced) takeCandidate(msg Message) error {
	pub := h.publisher(msg.StreamID)
	if pub == nil {
		return h.sendError(msg.StreamID, DefNoStreamExist)
	}
	c := webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMLineIndex: msg.Label}
	if msg.ID != "" {
		mid := msg.ID
		c.SDPMid = &mid
	}
	if err := pub.AddCandidate(c); err != nil {
		h.logger.Debug("rejecting candidate", "stream_id", msg.StreamID, "err", err)
		return h.sendError(msg.StreamID, DefInvalidCandidate)
	}
	return nil
}

func (h *Enhanced) trickle(streamID string, c webrtc.ICECandidateInit) {
	msg := Message{Command: cmdTakeCandidate, StreamID: streamID, Candidate: c.Candidate, Label: c.SDPMLineIndex}
	if c.SDPMid != nil {
		msg.ID = *c.SDPMid
	}
	if err := h.send(msg); err != nil {
		h.logger.Debug("failed to trickle candidate", "stream_id", streamID, "err", err)
	}
}

// onPeerState runs on pion's callback goroutine.
func (h *Enhanced) onPeerState(streamID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		h.ingestMu.Lock()
		in, ok := h.ingests[streamID]
		if !ok || in.announced {
			h.ingestMu.Unlock()
			return
		}
		in.announced = true
		h.ingestMu.Unlock()

		h.metrics.Inc(metrics.PeerConnectionConnected)
		if err := h.announce(context.Background(), streamID, "webrtc"); err != nil {
			h.logger.Debug("failed to report publish start", "stream_id", streamID, "err", err)
		}
		if !h.isPublishing(streamID) {
			// Rejected by the adapter.
			if h.dropIngest(streamID) {
				h.logger.Warn("closing rejected webrtc publish", "stream_id", streamID)
			}
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		h.metrics.Inc(metrics.PeerConnectionsFailed)
		if !h.dropIngest(streamID) {
			return
		}
		h.logger.Warn("webrtc publish lost", "stream_id", streamID, "state", state.String())
		if h.isPublishing(streamID) {
			if err := h.Baseline.stop(context.Background(), streamID); err != nil {
				h.logger.Debug("failed to report publish finish", "stream_id", streamID, "err", err)
			}
		}
	}
}

func (h *Enhanced) isPublishing(streamID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.publishing[streamID]
	return ok
}

// dropIngest forgets and closes the publisher for streamID. It reports
// whether one existed.
func (h *Enhanced) dropIngest(streamID string) bool {
	h.ingestMu.Lock()
	in, ok := h.ingests[streamID]
	delete(h.ingests, streamID)
	h.ingestMu.Unlock()
	if !ok {
		return false
	}
	// Closing from a pion callback must not block the callback goroutine.
	go func() { _ = in.pub.Close() }()
	return true
}
