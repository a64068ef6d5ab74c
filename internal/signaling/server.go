package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handshake"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/streamapp"
)

// RoutingOverrideParam selects the baseline handler on an enhanced
// deployment.
const RoutingOverrideParam = "rtmpForward"

var (
	errRateLimited   = errors.New("signaling rate limit exceeded")
	errBinaryMessage = errors.New("binary signaling message")
)

// Config wires the runtime dependencies of the signaling endpoint.
type Config struct {
	Registry *session.Registry
	Host     *streamapp.Host

	Extractor handshake.Extractor
	Origins   origin.Policy

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Clock drives the per-connection rate limiter; nil uses the wall clock.
	Clock ratelimit.Clock

	MaxMessageBytes   int64
	MessagesPerSecond int

	// FirstMessageTimeout bounds how long a connection whose handler could
	// not be bound may stay silent.
	FirstMessageTimeout time.Duration
	IdleTimeout         time.Duration
	PingInterval        time.Duration
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Origins.CheckRequest(r) {
				return true
			}
			cfg.Metrics.Inc(metrics.OriginRejected)
			return false
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{app}/websocket", s.handleWebSocket)
	mux.HandleFunc("POST /hooks/{app}/{event}", s.handleHook)
}

// Shutdown tells every open connection the server is going away. The read
// loops then close their sessions.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	appName := r.PathValue("app")
	if s.cfg.Host != nil {
		if _, ok := s.cfg.Host.Lookup(appName); !ok {
			http.NotFound(w, r)
			return
		}
	}

	routingOverride, _ := strconv.ParseBool(r.URL.Query().Get(RoutingOverrideParam))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", "app", appName, "err", err)
		return
	}
	c := newWSConn(conn)
	defer c.Close()
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	info := session.Info{
		AppName:         appName,
		Metadata:        s.cfg.Extractor.Extract(r.Header, c),
		RoutingOverride: routingOverride,
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		info.Subject = id.Principal.Subject
		info.Authorities = id.Authorities
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sess := s.cfg.Registry.Open(ctx, c, info)
	s.serve(ctx, c, sess)
}

func (s *Server) serve(ctx context.Context, c *wsConn, sess *session.Session) {
	conn := c.conn
	log := s.log.With("session_id", sess.ID())

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	var limiter *ratelimit.TokenBucket
	if s.cfg.MessagesPerSecond > 0 {
		limiter = ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.MessagesPerSecond)
	}

	extendDeadline := func() {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}
	if s.cfg.FirstMessageTimeout > 0 && sess.State() != session.StateBound {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.FirstMessageTimeout))
	} else {
		extendDeadline()
	}
	conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	if s.cfg.PingInterval > 0 {
		go s.keepalive(c, done)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(c, sess, err)
			return
		}
		extendDeadline()

		// Rate limit after reading so the close frame is not lost behind
		// unread bytes.
		if limiter != nil && !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.SignalingRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			sess.HandleError(errRateLimited)
			return
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			sess.HandleError(errBinaryMessage)
			return
		}

		if err := sess.HandleMessage(ctx, string(data)); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			log.Warn("signaling handler failed", "err", err)
			c.closeWith(websocket.CloseInternalServerErr, "internal error")
			sess.HandleError(err)
			return
		}
	}
}

func (s *Server) readFailed(c *wsConn, sess *session.Session, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent CloseMessageTooBig.
		s.cfg.Metrics.Inc(metrics.SignalingMessageTooBig)
		sess.HandleError(err)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		sess.HandleClose()
	case isTimeout(err):
		c.closeWith(websocket.CloseNormalClosure, "idle timeout")
		sess.HandleClose()
	default:
		sess.HandleError(err)
	}
}

func (s *Server) keepalive(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
