package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
)

type RegistryConfig struct {
	Edition   edition.Edition
	Factories Factories
	Contexts  ContextSource
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Registry tracks live sessions. It holds its lock only while touching the
// map; sessions never contend with each other.
type Registry struct {
	b *binding

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		b: &binding{
			edition:   cfg.Edition,
			factories: cfg.Factories,
			contexts:  cfg.Contexts,
			logger:    logger,
			metrics:   cfg.Metrics,
		},
		sessions: make(map[string]*Session),
	}
}

// Open registers a session for a freshly established connection and attempts
// the first bind. info.ID is generated when empty.
func (r *Registry) Open(ctx context.Context, t Transport, info Info) *Session {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	s := newSession(info, t, r.b, r.remove)

	r.mu.Lock()
	r.sessions[info.ID] = s
	r.mu.Unlock()

	r.b.metrics.Inc(metrics.SessionOpened)
	s.logger.Info("signaling session opened", "user_agent", info.Metadata.UserAgent, "client_ip", info.Metadata.ClientIP, "origin", info.Metadata.Origin)
	s.HandleOpen(ctx)
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.HandleClose()
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ID()] == s {
		delete(r.sessions, s.ID())
	}
	r.mu.Unlock()
}
