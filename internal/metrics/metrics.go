package metrics

import "sync"

// Event names counted by the signaling server.
const (
	SessionOpened         = "session_opened"
	SessionClosed         = "session_closed"
	HandlerBound          = "handler_bound"
	HandlerBindFailed     = "handler_bind_failed"
	HandlerFallback       = "handler_enhanced_fallback"
	NotInitializedSent    = "not_initialized_sent"
	NotInitializedDropped = "not_initialized_send_failed"

	AuthRejected   = "auth_rejected"
	AuthForbidden  = "auth_forbidden"
	OriginRejected = "origin_rejected"

	SignalingRateLimited    = "signaling_rate_limited"
	SignalingMessageTooBig  = "signaling_message_too_big"
	SignalingBadMessage     = "signaling_bad_message"
	PublishRejected         = "publish_rejected"
	LifecycleForwarded      = "lifecycle_forwarded"
	LifecycleForwardFailed  = "lifecycle_forward_failed"
	PeerConnectionsCreated  = "webrtc_peer_created"
	PeerConnectionsFailed   = "webrtc_peer_failed"
	PeerConnectionConnected = "webrtc_peer_connected"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics ignores
// increments so components can run without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
