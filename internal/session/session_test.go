package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handshake"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
)

type fakeApp struct {
	name    string
	running atomic.Bool
}

func newFakeApp(name string, running bool) *fakeApp {
	a := &fakeApp{name: name}
	a.running.Store(running)
	return a
}

func (a *fakeApp) Name() string  { return a.name }
func (a *fakeApp) Running() bool { return a.running.Load() }

type appMap map[string]AppContext

func (m appMap) Lookup(name string) (AppContext, bool) {
	app, ok := m[name]
	return app, ok
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (t *recordingTransport) SendText(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, string(p))
	return nil
}

func (t *recordingTransport) Frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.frames...)
}

type recordingHandler struct {
	kind edition.Kind

	mu       sync.Mutex
	messages []string
	errs     []error
	closes   int
	active   atomic.Int32
	overlap  atomic.Bool
}

func (h *recordingHandler) HandleMessage(_ context.Context, payload string) error {
	if h.active.Add(1) > 1 {
		h.overlap.Store(true)
	}
	defer h.active.Add(-1)
	h.mu.Lock()
	h.messages = append(h.messages, payload)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) HandleError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) Close() {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
}

type countingFactory struct {
	kind  edition.Kind
	calls atomic.Int32
	err   error

	mu       sync.Mutex
	handlers []*recordingHandler
	infos    []Info
}

func (f *countingFactory) NewHandler(_ AppContext, _ Transport, info Info) (Handler, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	h := &recordingHandler{kind: f.kind}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.infos = append(f.infos, info)
	f.mu.Unlock()
	return h, nil
}

func (f *countingFactory) last() *recordingHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handlers) == 0 {
		return nil
	}
	return f.handlers[len(f.handlers)-1]
}

type fixture struct {
	baseline *countingFactory
	enhanced *countingFactory
	app      *fakeApp
	metrics  *metrics.Metrics
	registry *Registry
}

func newFixture(t *testing.T, ed edition.Edition, factories func(b, e *countingFactory) Factories) *fixture {
	t.Helper()
	f := &fixture{
		baseline: &countingFactory{kind: edition.KindBaseline},
		enhanced: &countingFactory{kind: edition.KindEnhanced},
		app:      newFakeApp("LiveApp", true),
		metrics:  metrics.New(),
	}
	fs := Factories{edition.KindBaseline: f.baseline, edition.KindEnhanced: f.enhanced}
	if factories != nil {
		fs = factories(f.baseline, f.enhanced)
	}
	f.registry = NewRegistry(RegistryConfig{
		Edition:   ed,
		Factories: fs,
		Contexts:  appMap{"LiveApp": f.app},
		Metrics:   f.metrics,
	})
	return f
}

func TestOpenThenTwoMessagesBindsOnce(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	tr := &recordingTransport{}
	ctx := context.Background()

	s := f.registry.Open(ctx, tr, Info{AppName: "LiveApp"})
	if s.State() != StateBound {
		t.Fatalf("state=%v after open, want bound", s.State())
	}
	for _, msg := range []string{`{"command":"ping"}`, `{"command":"publish"}`} {
		if err := s.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	if got := f.baseline.calls.Load(); got != 1 {
		t.Fatalf("factory calls=%d, want 1", got)
	}
	h := f.baseline.last()
	if len(h.messages) != 2 || h.messages[0] != `{"command":"ping"}` {
		t.Fatalf("messages=%v", h.messages)
	}
	if len(tr.Frames()) != 0 {
		t.Fatalf("unexpected frames: %v", tr.Frames())
	}
	if f.metrics.Get(metrics.HandlerBound) != 1 {
		t.Fatalf("handler_bound=%d, want 1", f.metrics.Get(metrics.HandlerBound))
	}
}

func TestMessageBeforeBindAnswersNotInitialized(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	f.app.running.Store(false)
	tr := &recordingTransport{}
	ctx := context.Background()

	s := f.registry.Open(ctx, tr, Info{AppName: "LiveApp"})
	for i := 0; i < 2; i++ {
		if err := s.HandleMessage(ctx, `{"command":"publish"}`); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	frames := tr.Frames()
	if len(frames) != 2 {
		t.Fatalf("frames=%v, want one error frame per message", frames)
	}
	for _, frame := range frames {
		if frame != `{"command":"error","definition":"not_initialized_yet"}` {
			t.Fatalf("frame=%q", frame)
		}
	}
	if s.State() != StateCreated {
		t.Fatalf("state=%v, want created", s.State())
	}
	if f.baseline.calls.Load() != 0 {
		t.Fatalf("factory must not run without a running application")
	}

	// The next message retries the bind once the application is up.
	f.app.running.Store(true)
	if err := s.HandleMessage(ctx, `{"command":"ping"}`); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if s.State() != StateBound || len(tr.Frames()) != 2 {
		t.Fatalf("state=%v frames=%v", s.State(), tr.Frames())
	}
}

func TestUnknownApplicationStaysUnbound(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	tr := &recordingTransport{}
	s := f.registry.Open(context.Background(), tr, Info{AppName: "Missing"})
	_ = s.HandleMessage(context.Background(), "{}")
	if s.State() != StateCreated || len(tr.Frames()) != 1 {
		t.Fatalf("state=%v frames=%v", s.State(), tr.Frames())
	}
}

func TestFactoryFailureLeavesSessionUnbound(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	f.baseline.err = errors.New("boom")
	tr := &recordingTransport{}
	ctx := context.Background()

	s := f.registry.Open(ctx, tr, Info{AppName: "LiveApp"})
	if err := s.HandleMessage(ctx, "{}"); err != nil {
		t.Fatalf("instantiation failure must not surface as an error: %v", err)
	}
	if s.State() != StateCreated {
		t.Fatalf("state=%v, want created", s.State())
	}
	if len(tr.Frames()) != 1 {
		t.Fatalf("frames=%v", tr.Frames())
	}
	// Open and the message each tried once; no automatic retries.
	if got := f.baseline.calls.Load(); got != 2 {
		t.Fatalf("factory calls=%d, want 2", got)
	}
}

func TestNotInitializedSendFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	f.app.running.Store(false)
	tr := &recordingTransport{err: errors.New("broken pipe")}
	s := f.registry.Open(context.Background(), tr, Info{AppName: "LiveApp"})

	if err := s.HandleMessage(context.Background(), "{}"); err != nil {
		t.Fatalf("send failure must be swallowed, got %v", err)
	}
	if f.metrics.Get(metrics.NotInitializedDropped) != 1 {
		t.Fatalf("expected dropped notification to be counted")
	}
}

func TestResolutionTable(t *testing.T) {
	cases := []struct {
		name     string
		edition  edition.Edition
		override bool
		want     edition.Kind
	}{
		{"baseline", edition.Baseline, false, edition.KindBaseline},
		{"baseline with override", edition.Baseline, true, edition.KindBaseline},
		{"enhanced", edition.Enhanced, false, edition.KindEnhanced},
		{"enhanced with override", edition.Enhanced, true, edition.KindBaseline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.edition, nil)
			s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp", RoutingOverride: tc.override})
			if s.State() != StateBound {
				t.Fatalf("state=%v", s.State())
			}
			var h *recordingHandler
			if tc.want == edition.KindBaseline {
				h = f.baseline.last()
			} else {
				h = f.enhanced.last()
			}
			if h == nil {
				t.Fatalf("expected %v handler to be bound", tc.want)
			}
		})
	}
}

func TestMissingEnhancedFactoryFallsBack(t *testing.T) {
	f := newFixture(t, edition.Enhanced, func(b, _ *countingFactory) Factories {
		return Factories{edition.KindBaseline: b}
	})
	s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp"})
	if s.State() != StateBound || f.baseline.calls.Load() != 1 {
		t.Fatalf("state=%v baseline calls=%d", s.State(), f.baseline.calls.Load())
	}
	if f.metrics.Get(metrics.HandlerFallback) != 1 {
		t.Fatalf("expected fallback to be counted")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp"})
	h := f.baseline.last()

	s.HandleClose()
	s.HandleClose()
	s.HandleError(errors.New("late error"))

	if h.closes != 1 || len(h.errs) != 0 {
		t.Fatalf("closes=%d errs=%v, want exactly one close", h.closes, h.errs)
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%v", s.State())
	}
	if err := s.HandleMessage(context.Background(), "{}"); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleMessage after close err=%v, want ErrClosed", err)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("closed session still registered")
	}
}

func TestErrorReachesHandlerThenCloses(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp"})
	h := f.baseline.last()

	cause := errors.New("connection reset")
	s.HandleError(cause)
	s.HandleClose()

	if len(h.errs) != 1 || h.errs[0] != cause || h.closes != 1 {
		t.Fatalf("errs=%v closes=%d", h.errs, h.closes)
	}
}

func TestCloseBeforeBindInvokesNothing(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	f.app.running.Store(false)
	s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp"})
	s.HandleClose()

	f.app.running.Store(true)
	if err := s.HandleMessage(context.Background(), "{}"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
	if f.baseline.calls.Load() != 0 {
		t.Fatalf("closed session must never bind")
	}
}

func TestConcurrentOpenAndMessageBindOnce(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	f.app.running.Store(false)
	s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp"})
	f.app.running.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.HandleOpen(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = s.HandleMessage(context.Background(), "{}")
		}()
	}
	wg.Wait()

	if got := f.baseline.calls.Load(); got != 1 {
		t.Fatalf("factory calls=%d, want 1", got)
	}
	h := f.baseline.last()
	if len(h.messages) != 16 {
		t.Fatalf("messages=%d, want 16", len(h.messages))
	}
	if h.overlap.Load() {
		t.Fatalf("handler received concurrent deliveries")
	}
}

func TestInfoReachesFactory(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	md := handshake.Metadata{UserAgent: "agent", ClientIP: "10.0.0.9"}
	s := f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp", Metadata: md})

	if s.ID() == "" {
		t.Fatalf("expected generated session id")
	}
	got, ok := f.registry.Get(s.ID())
	if !ok || got != s {
		t.Fatalf("registry lookup failed")
	}
	if len(f.baseline.infos) != 1 || f.baseline.infos[0].Metadata != md || f.baseline.infos[0].ID != s.ID() {
		t.Fatalf("infos=%+v", f.baseline.infos)
	}
}

func TestRegistryCloseClosesAll(t *testing.T) {
	f := newFixture(t, edition.Baseline, nil)
	for i := 0; i < 3; i++ {
		f.registry.Open(context.Background(), &recordingTransport{}, Info{AppName: "LiveApp"})
	}
	if f.registry.Len() != 3 {
		t.Fatalf("Len=%d", f.registry.Len())
	}
	f.registry.Close()
	if f.registry.Len() != 0 {
		t.Fatalf("Len=%d after Close", f.registry.Len())
	}
	for _, h := range f.baseline.handlers {
		if h.closes != 1 {
			t.Fatalf("handler closes=%d", h.closes)
		}
	}
}
