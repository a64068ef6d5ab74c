// Package handler implements the two signaling protocol handlers a session
// can be bound to: the baseline handler, which drives stream lifecycle over
// the WebSocket only, and the enhanced handler, which adds WebRTC publishing.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/streamapp"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/turnrest"
)

// App is what a handler needs from its application context.
type App interface {
	session.AppContext
	Forwarder() *lifecycle.Forwarder
	Streams() *streamapp.Streams
}

var ErrUnsupportedApp = errors.New("application does not expose stream lifecycle")

type Config struct {
	ICEServers []webrtc.ICEServer
	// TURN mints per-session credentials for TURN entries without a static
	// username. Nil leaves ICEServers untouched.
	TURN    *turnrest.Issuer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewBaselineFactory registers as the baseline handler kind.
func NewBaselineFactory(cfg Config) session.HandlerFactory {
	return session.HandlerFactoryFunc(func(app session.AppContext, t session.Transport, info session.Info) (session.Handler, error) {
		return newBaseline(cfg, app, t, info)
	})
}

// Baseline speaks the command protocol without WebRTC media. Broadcasts it
// announces are expected to be ingested over RTMP.
type Baseline struct {
	cfg     Config
	app     App
	t       session.Transport
	info    session.Info
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	publishing map[string]lifecycle.Broadcast
	playing    map[string]lifecycle.PlayItem
	closed     bool
}

func newBaseline(cfg Config, app session.AppContext, t session.Transport, info session.Info) (*Baseline, error) {
	a, ok := app.(App)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedApp, app)
	}
	if a.Forwarder() == nil {
		return nil, fmt.Errorf("%w: %s has no adapter", ErrUnsupportedApp, app.Name())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Baseline{
		cfg:        cfg,
		app:        a,
		t:          t,
		info:       info,
		logger:     logger.With("session_id", info.ID, "app", app.Name(), "user_agent", info.Metadata.UserAgent),
		metrics:    cfg.Metrics,
		publishing: make(map[string]lifecycle.Broadcast),
		playing:    make(map[string]lifecycle.PlayItem),
	}, nil
}

func (h *Baseline) HandleMessage(ctx context.Context, payload string) error {
	msg, err := parseMessage(payload)
	if err != nil {
		h.metrics.Inc(metrics.SignalingBadMessage)
		return h.sendError("", DefInvalidMessage)
	}
	return h.dispatch(ctx, msg)
}

func (h *Baseline) dispatch(ctx context.Context, msg Message) error {
	switch msg.Command {
	case cmdPing:
		return h.send(Message{Command: cmdPong})
	case cmdGetStreamInfo:
		return h.streamInfo(msg.StreamID)
	case cmdGetIceServerConfig:
		return h.iceServerConfig()
	case cmdPublish:
		return h.publish(ctx, msg.StreamID, "rtmp")
	case cmdPlay:
		return h.play(ctx, msg.StreamID)
	case cmdStop:
		return h.stop(ctx, msg.StreamID)
	case cmdTakeConfiguration, cmdTakeCandidate:
		return h.sendError(msg.StreamID, DefWebRTCNotSupported)
	default:
		h.logger.Debug("unsupported command", "command", msg.Command)
		return h.sendError(msg.StreamID, DefUnsupportedCommand)
	}
}

func (h *Baseline) HandleError(err error) {
	h.logger.Warn("signaling transport error", "err", err)
}

// Close ends every broadcast and playback this connection started.
func (h *Baseline) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	publishing, playing := h.publishing, h.playing
	h.publishing, h.playing = nil, nil
	h.mu.Unlock()

	ctx := context.Background()
	for _, b := range publishing {
		h.forwarded(h.app.Forwarder().PublishStopped(ctx, b))
	}
	for _, item := range playing {
		h.endPlay(ctx, item)
	}
}

func (h *Baseline) send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.t.SendText(b)
}

func (h *Baseline) sendError(streamID, definition string) error {
	return h.send(Message{Command: cmdError, StreamID: streamID, Definition: definition})
}

func (h *Baseline) notify(streamID, definition string) error {
	return h.send(Message{Command: cmdNotification, StreamID: streamID, Definition: definition})
}

// forwarded records the outcome of a lifecycle call and passes err through.
func (h *Baseline) forwarded(err error) error {
	if err != nil {
		h.metrics.Inc(metrics.LifecycleForwardFailed)
		h.logger.Error("lifecycle notification failed", "err", err)
		return err
	}
	h.metrics.Inc(metrics.LifecycleForwarded)
	return nil
}

func lifecycleErrorDefinition(err error) string {
	if errors.Is(err, streamapp.ErrPublishRejected) || errors.Is(err, streamapp.ErrStreamRejected) {
		return DefPublishRejected
	}
	return DefLifecycleFailed
}

func (h *Baseline) streamInfo(streamID string) error {
	if streamID == "" {
		return h.sendError("", DefNoStreamID)
	}
	st, ok := h.app.Streams().Get(streamID)
	if !ok {
		return h.sendError(streamID, DefNoStreamExist)
	}
	return h.send(Message{Command: cmdStreamInformation, StreamID: streamID, StreamInfo: []streamapp.Stream{st}})
}

func (h *Baseline) iceServers() []webrtc.ICEServer {
	return h.cfg.TURN.ICEServers(h.cfg.ICEServers, h.info.ID)
}

// iceServerConfig flattens the ICE server list into the single-server shape
// the browser client expects: the first URL overall, plus the credentials of
// the first TURN entry.
func (h *Baseline) iceServerConfig() error {
	msg := Message{Command: cmdIceServerConfig}
	for _, s := range h.iceServers() {
		if len(s.URLs) > 0 && msg.StunServerURI == "" {
			msg.StunServerURI = s.URLs[0]
		}
		if turnrest.IsTURN(s) && msg.TurnServerUsername == "" {
			msg.TurnServerUsername = s.Username
			if cred, ok := s.Credential.(string); ok {
				msg.TurnServerCredential = cred
			}
		}
	}
	return h.send(msg)
}

// beginPublish reserves streamID for this connection. ok is false when the
// reply has already been sent.
func (h *Baseline) beginPublish(streamID string) (ok bool, err error) {
	if streamID == "" {
		return false, h.sendError("", DefNoStreamID)
	}
	h.mu.Lock()
	_, dup := h.publishing[streamID]
	h.mu.Unlock()
	if dup {
		return false, h.sendError(streamID, DefAlreadyPublishing)
	}
	if st, exists := h.app.Streams().Get(streamID); exists && st.Status == streamapp.StatusBroadcasting {
		return false, h.sendError(streamID, DefAlreadyPublishing)
	}
	return true, nil
}

// announce forwards the broadcast start and reports the outcome to the client.
func (h *Baseline) announce(ctx context.Context, streamID, origin string) error {
	b := lifecycle.Broadcast{
		StreamID:  streamID,
		App:       h.app.Name(),
		Publisher: h.info.Subject,
		Origin:    origin,
	}
	if err := h.forwarded(h.app.Forwarder().PublishStarted(ctx, b)); err != nil {
		return h.sendError(streamID, lifecycleErrorDefinition(err))
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.forwarded(h.app.Forwarder().PublishStopped(ctx, b))
		return nil
	}
	h.publishing[streamID] = b
	h.mu.Unlock()
	return h.notify(streamID, DefPublishStarted)
}

func (h *Baseline) publish(ctx context.Context, streamID, origin string) error {
	if ok, err := h.beginPublish(streamID); !ok {
		return err
	}
	return h.announce(ctx, streamID, origin)
}

func (h *Baseline) play(ctx context.Context, streamID string) error {
	if streamID == "" {
		return h.sendError("", DefNoStreamID)
	}
	st, ok := h.app.Streams().Get(streamID)
	if !ok || st.Status != streamapp.StatusBroadcasting {
		return h.sendError(streamID, DefNoStreamExist)
	}
	item := lifecycle.PlayItem{StreamID: streamID, Name: streamID}
	if err := h.forwarded(h.app.Forwarder().PlayStarted(ctx, item, true)); err != nil {
		return h.sendError(streamID, lifecycleErrorDefinition(err))
	}
	h.mu.Lock()
	h.playing[streamID] = item
	h.mu.Unlock()
	return h.notify(streamID, DefPlayStarted)
}

// stop ends this connection's broadcast of streamID, or failing that its
// playback.
func (h *Baseline) stop(ctx context.Context, streamID string) error {
	if streamID == "" {
		return h.sendError("", DefNoStreamID)
	}
	h.mu.Lock()
	b, publishing := h.publishing[streamID]
	item, playing := h.playing[streamID]
	if publishing {
		delete(h.publishing, streamID)
	} else {
		delete(h.playing, streamID)
	}
	h.mu.Unlock()

	switch {
	case publishing:
		if err := h.forwarded(h.app.Forwarder().PublishStopped(ctx, b)); err != nil {
			return h.sendError(streamID, lifecycleErrorDefinition(err))
		}
		return h.notify(streamID, DefPublishFinished)
	case playing:
		h.endPlay(ctx, item)
		return h.notify(streamID, DefPlayFinished)
	default:
		return h.sendError(streamID, DefNotPublishing)
	}
}

func (h *Baseline) endPlay(ctx context.Context, item lifecycle.PlayItem) {
	fwd := h.app.Forwarder()
	h.forwarded(fwd.PlayStopped(ctx, item))
	h.forwarded(fwd.SubscriberClosed(ctx, lifecycle.Subscriber{ID: h.info.ID, StreamID: item.StreamID}))
}
