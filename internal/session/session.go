// Package session owns the per-connection signaling state machine: it binds
// exactly one protocol handler to a connection and delivers the
// connection's events to it in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handshake"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
)

// NotInitializedPayload answers messages that arrive while no handler can be
// bound.
const NotInitializedPayload = `{"command":"error","definition":"not_initialized_yet"}`

var (
	ErrClosed = errors.New("session closed")
	// ErrNotInitialized means the session's application is missing or not
	// running, or no handler could be constructed for it.
	ErrNotInitialized = errors.New("session not initialized")
)

type State int

const (
	StateCreated State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler speaks the signaling protocol for one connection.
type Handler interface {
	HandleMessage(ctx context.Context, payload string) error
	HandleError(err error)
	Close()
}

// Transport sends text frames back to the client.
type Transport interface {
	SendText(payload []byte) error
}

// AppContext is the hosting application a handler is bound into.
type AppContext interface {
	Name() string
	Running() bool
}

// ContextSource finds application contexts by name.
type ContextSource interface {
	Lookup(name string) (AppContext, bool)
}

type HandlerFactory interface {
	NewHandler(app AppContext, t Transport, info Info) (Handler, error)
}

type HandlerFactoryFunc func(app AppContext, t Transport, info Info) (Handler, error)

func (f HandlerFactoryFunc) NewHandler(app AppContext, t Transport, info Info) (Handler, error) {
	return f(app, t, info)
}

// Factories registers one factory per handler kind. Deployments without the
// enhanced implementation simply leave KindEnhanced out.
type Factories map[edition.Kind]HandlerFactory

// Info is fixed when the session is created.
type Info struct {
	ID       string
	AppName  string
	Metadata handshake.Metadata
	// RoutingOverride asks an enhanced deployment to use the baseline handler.
	RoutingOverride bool
	Subject         string
	Authorities     authority.Set
}

// binding carries what every session of a registry needs to bind a handler.
type binding struct {
	edition   edition.Edition
	factories Factories
	contexts  ContextSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Session struct {
	info      Info
	transport Transport
	b         *binding
	logger    *slog.Logger
	onClosed  func(*Session)

	// bindMu guards state and handler. It is held while a handler is being
	// constructed, never while one is running.
	bindMu  sync.Mutex
	state   State
	handler Handler

	// deliverMu serializes calls into the handler.
	deliverMu sync.Mutex
}

func newSession(info Info, t Transport, b *binding, onClosed func(*Session)) *Session {
	return &Session{
		info:      info,
		transport: t,
		b:         b,
		logger:    b.logger.With("session_id", info.ID, "app", info.AppName),
		onClosed:  onClosed,
	}
}

func (s *Session) ID() string { return s.info.ID }

func (s *Session) Info() Info { return s.info }

func (s *Session) State() State {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	return s.state
}

// HandleOpen tries to bind a handler as soon as the connection is up. A
// failure here is not reported to the client; the first message will retry.
func (s *Session) HandleOpen(ctx context.Context) {
	if _, err := s.bind(ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("handler not bound on open", "err", err)
	}
}

// HandleMessage delivers payload to the bound handler, binding one first if
// needed. When no handler can be bound the client receives exactly one
// not-initialized frame and the session stays unbound.
func (s *Session) HandleMessage(ctx context.Context, payload string) error {
	h, err := s.bind(ctx)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		s.sendNotInitialized()
		return nil
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.State() == StateClosed {
		return ErrClosed
	}
	return h.HandleMessage(ctx, payload)
}

// HandleError reports a transport failure and closes the session.
func (s *Session) HandleError(err error) {
	s.terminate(err)
}

// HandleClose is idempotent; only the first call reaches the handler.
func (s *Session) HandleClose() {
	s.terminate(nil)
}

func (s *Session) terminate(cause error) {
	s.bindMu.Lock()
	if s.state == StateClosed {
		s.bindMu.Unlock()
		return
	}
	s.state = StateClosed
	h := s.handler
	s.bindMu.Unlock()

	if h != nil {
		// Wait for an in-flight delivery so the handler never sees Close
		// concurrently with a message.
		s.deliverMu.Lock()
		if cause != nil {
			h.HandleError(cause)
		}
		h.Close()
		s.deliverMu.Unlock()
	}

	if cause != nil {
		s.logger.Info("session closed with error", "err", cause)
	} else {
		s.logger.Debug("session closed")
	}
	s.b.metrics.Inc(metrics.SessionClosed)
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func (s *Session) bind(ctx context.Context) (Handler, error) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	switch s.state {
	case StateClosed:
		return nil, ErrClosed
	case StateBound:
		return s.handler, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	app, ok := s.b.contexts.Lookup(s.info.AppName)
	if !ok || app == nil || !app.Running() {
		s.b.metrics.Inc(metrics.HandlerBindFailed)
		return nil, fmt.Errorf("%w: application %q is not running", ErrNotInitialized, s.info.AppName)
	}

	kind := edition.Resolve(s.b.edition, s.info.RoutingOverride)
	factory := s.b.factories[kind]
	if factory == nil && kind == edition.KindEnhanced {
		s.logger.Warn("enhanced handler unavailable; falling back to baseline")
		s.b.metrics.Inc(metrics.HandlerFallback)
		kind = edition.KindBaseline
		factory = s.b.factories[kind]
	}
	if factory == nil {
		s.b.metrics.Inc(metrics.HandlerBindFailed)
		s.logger.Error("no handler registered", "kind", kind)
		return nil, fmt.Errorf("%w: no %s handler registered", ErrNotInitialized, kind)
	}

	h, err := factory.NewHandler(app, s.transport, s.info)
	if err != nil {
		s.b.metrics.Inc(metrics.HandlerBindFailed)
		s.logger.Error("handler cannot be created", "kind", kind, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	if h == nil {
		s.b.metrics.Inc(metrics.HandlerBindFailed)
		return nil, fmt.Errorf("%w: %s factory returned no handler", ErrNotInitialized, kind)
	}

	s.handler = h
	s.state = StateBound
	s.b.metrics.Inc(metrics.HandlerBound)
	s.logger.Info("handler bound", "kind", kind, "user_agent", s.info.Metadata.UserAgent, "client_ip", s.info.Metadata.ClientIP)
	return h, nil
}

func (s *Session) sendNotInitialized() {
	if err := s.transport.SendText([]byte(NotInitializedPayload)); err != nil {
		s.b.metrics.Inc(metrics.NotInitializedDropped)
		s.logger.Error("failed to send not-initialized notification", "err", err)
		return
	}
	s.b.metrics.Inc(metrics.NotInitializedSent)
}
