// Package streamapp hosts the named streaming applications and their
// lifecycle adapters.
package streamapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/session"
)

// AdapterFactory builds an application's adapter. Factories may ignore app
// and return an adapter implementing lifecycle.ContextBinder instead.
type AdapterFactory func(app *Application) (lifecycle.Adapter, error)

type AdapterFactories map[edition.Kind]AdapterFactory

// DefaultAdapterFactories registers both built-in adapters.
func DefaultAdapterFactories() AdapterFactories {
	return AdapterFactories{
		edition.KindBaseline: func(app *Application) (lifecycle.Adapter, error) { return NewAdapter(app), nil },
		edition.KindEnhanced: func(*Application) (lifecycle.Adapter, error) { return NewEnhancedAdapter(), nil },
	}
}

var ErrNotRunning = errors.New("application not running")

// Application is one named streaming application. It is the context
// signaling handlers are bound into.
type Application struct {
	name     string
	edition  edition.Edition
	adapters AdapterFactories
	security []PublishSecurity
	filter   AcceptFilter
	streams  *Streams
	logger   *slog.Logger
	metrics  *metrics.Metrics

	running   atomic.Bool
	forwarder atomic.Pointer[lifecycle.Forwarder]
}

func (a *Application) Name() string      { return a.name }
func (a *Application) Running() bool     { return a.running.Load() }
func (a *Application) Streams() *Streams { return a.streams }

// Forwarder is nil until the application has started.
func (a *Application) Forwarder() *lifecycle.Forwarder { return a.forwarder.Load() }

// Start picks the adapter once; it is never replaced, even across restarts.
func (a *Application) Start(ctx context.Context) error {
	if a.Forwarder() == nil {
		adapter, err := a.newAdapter()
		if err != nil {
			return fmt.Errorf("start %s: %w", a.name, err)
		}
		a.forwarder.Store(lifecycle.NewForwarder(adapter))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.running.Store(true)
	a.logger.Info("application started", "edition", a.edition)
	return nil
}

func (a *Application) Stop() {
	if a.running.Swap(false) {
		a.logger.Info("application stopped")
	}
}

func (a *Application) newAdapter() (lifecycle.Adapter, error) {
	kind := edition.Resolve(a.edition, false)
	factory := a.adapters[kind]
	if factory == nil && kind == edition.KindEnhanced {
		a.logger.Warn("enhanced adapter unavailable; falling back to baseline")
		kind = edition.KindBaseline
		factory = a.adapters[kind]
	}
	if factory == nil {
		return nil, fmt.Errorf("no %s adapter registered", kind)
	}

	adapter, err := factory(a)
	if err != nil {
		return nil, err
	}
	if binder, ok := adapter.(lifecycle.ContextBinder); ok {
		if err := binder.BindContext(a); err != nil {
			return nil, fmt.Errorf("bind %s adapter: %w", kind, err)
		}
	}
	return adapter, nil
}

type HostConfig struct {
	AppNames        []string
	Edition         edition.Edition
	Adapters        AdapterFactories
	PublishSecurity []PublishSecurity
	AcceptFilter    AcceptFilter
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Host owns the applications. The set of names is fixed at construction.
type Host struct {
	apps  map[string]*Application
	order []string
}

func NewHost(cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := cfg.Adapters
	if adapters == nil {
		adapters = DefaultAdapterFactories()
	}

	h := &Host{apps: make(map[string]*Application, len(cfg.AppNames))}
	for _, name := range cfg.AppNames {
		if _, dup := h.apps[name]; dup {
			continue
		}
		h.apps[name] = &Application{
			name:     name,
			edition:  cfg.Edition,
			adapters: adapters,
			security: cfg.PublishSecurity,
			filter:   cfg.AcceptFilter,
			streams:  NewStreams(),
			logger:   logger.With("app", name),
			metrics:  cfg.Metrics,
		}
		h.order = append(h.order, name)
	}
	return h
}

// Lookup satisfies session.ContextSource.
func (h *Host) Lookup(name string) (session.AppContext, bool) {
	app, ok := h.apps[name]
	if !ok {
		return nil, false
	}
	return app, true
}

func (h *Host) App(name string) (*Application, bool) {
	app, ok := h.apps[name]
	return app, ok
}

func (h *Host) Names() []string {
	return append([]string(nil), h.order...)
}

func (h *Host) StartAll(ctx context.Context) error {
	for _, name := range h.order {
		if err := h.apps[name].Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) StopAll() {
	for _, name := range h.order {
		h.apps[name].Stop()
	}
}

// Ready reports whether every application is running.
func (h *Host) Ready() bool {
	for _, app := range h.apps {
		if !app.Running() {
			return false
		}
	}
	return len(h.apps) > 0
}
