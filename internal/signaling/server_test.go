package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handler"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handshake"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/streamapp"
)

type testEnv struct {
	srv      *Server
	host     *streamapp.Host
	registry *session.Registry
	metrics  *metrics.Metrics
	ts       *httptest.Server
}

type envOptions struct {
	edition   edition.Edition
	factories session.Factories
	host      streamapp.HostConfig
	cfg       func(*Config)
	wrap      func(http.Handler) http.Handler
	noStart   bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	if opts.edition == "" {
		opts.edition = edition.Baseline
	}

	hostCfg := opts.host
	hostCfg.AppNames = []string{"LiveApp"}
	hostCfg.Edition = opts.edition
	hostCfg.Logger = logger
	hostCfg.Metrics = m
	host := streamapp.NewHost(hostCfg)
	if !opts.noStart {
		if err := host.StartAll(context.Background()); err != nil {
			t.Fatalf("StartAll: %v", err)
		}
	}

	factories := opts.factories
	if factories == nil {
		hcfg := handler.Config{Logger: logger, Metrics: m}
		factories = session.Factories{
			edition.KindBaseline: handler.NewBaselineFactory(hcfg),
			edition.KindEnhanced: handler.NewEnhancedFactory(hcfg, webrtc.NewAPI()),
		}
	}
	registry := session.NewRegistry(session.RegistryConfig{
		Edition:   opts.edition,
		Factories: factories,
		Contexts:  host,
		Logger:    logger,
		Metrics:   m,
	})

	cfg := Config{
		Registry:          registry,
		Host:              host,
		Extractor:         handshake.Extractor{Logger: logger},
		Origins:           origin.NewPolicy(nil),
		Logger:            logger,
		Metrics:           m,
		MaxMessageBytes:   1024,
		MessagesPerSecond: 100,
		IdleTimeout:       10 * time.Second,
		PingInterval:      5 * time.Second,
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	var h http.Handler = mux
	if opts.wrap != nil {
		h = opts.wrap(h)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		registry.Close()
	})

	return &testEnv{srv: srv, host: host, registry: registry, metrics: m, ts: ts}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, msg string) handler.Message {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readFrame(t, c)
}

func readFrame(t *testing.T, c *websocket.Conn) handler.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg handler.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketSignaling_PingPong(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.dial(t, "/LiveApp/websocket", nil)

	if got := roundTrip(t, c, `{"command":"ping"}`); got.Command != "pong" {
		t.Fatalf("got %+v, want pong", got)
	}
	if env.registry.Len() != 1 {
		t.Fatalf("registry len=%d, want 1", env.registry.Len())
	}
	if env.metrics.Get(metrics.HandlerBound) != 1 {
		t.Fatalf("handler bound=%d, want 1", env.metrics.Get(metrics.HandlerBound))
	}

	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	waitFor(t, func() bool { return env.registry.Len() == 0 })
	if env.metrics.Get(metrics.SessionClosed) != 1 {
		t.Fatalf("session closed=%d, want 1", env.metrics.Get(metrics.SessionClosed))
	}
}

func TestWebSocketSignaling_UnknownApplication(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/Nope/websocket"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestWebSocketSignaling_NotInitializedUntilApplicationRuns(t *testing.T) {
	env := newTestEnv(t, envOptions{noStart: true})
	c := env.dial(t, "/LiveApp/websocket", nil)

	for i := 0; i < 2; i++ {
		got := roundTrip(t, c, `{"command":"ping"}`)
		if got.Command != "error" || got.Definition != "not_initialized_yet" {
			t.Fatalf("frame %d = %+v, want not_initialized_yet", i, got)
		}
	}
	if env.metrics.Get(metrics.NotInitializedSent) != 2 {
		t.Fatalf("not-initialized frames=%d, want 2", env.metrics.Get(metrics.NotInitializedSent))
	}

	if err := env.host.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := roundTrip(t, c, `{"command":"ping"}`); got.Command != "pong" {
		t.Fatalf("got %+v, want pong after the application started", got)
	}
}

func TestWebSocketSignaling_RoutingOverride(t *testing.T) {
	env := newTestEnv(t, envOptions{edition: edition.Enhanced})

	enhanced := env.dial(t, "/LiveApp/websocket", nil)
	if got := roundTrip(t, enhanced, `{"command":"publish","streamId":"s1"}`); got.Command != "start" {
		t.Fatalf("enhanced handler: got %+v, want start", got)
	}

	baseline := env.dial(t, "/LiveApp/websocket?rtmpForward=true", nil)
	got := roundTrip(t, baseline, `{"command":"takeConfiguration","streamId":"s2","type":"offer","sdp":"v=0"}`)
	if got.Command != "error" || got.Definition != handler.DefWebRTCNotSupported {
		t.Fatalf("baseline handler: got %+v, want webrtc_not_supported", got)
	}
}

type recordingFactory struct {
	mu    sync.Mutex
	infos []session.Info
}

func (f *recordingFactory) NewHandler(app session.AppContext, t session.Transport, info session.Info) (session.Handler, error) {
	f.mu.Lock()
	f.infos = append(f.infos, info)
	f.mu.Unlock()
	return echoHandler{t: t}, nil
}

func (f *recordingFactory) last() session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[len(f.infos)-1]
}

type echoHandler struct{ t session.Transport }

func (h echoHandler) HandleMessage(_ context.Context, payload string) error {
	return h.t.SendText([]byte(payload))
}
func (echoHandler) HandleError(error) {}
func (echoHandler) Close()            {}

func TestWebSocketSignaling_SessionInfo(t *testing.T) {
	rec := &recordingFactory{}
	env := newTestEnv(t, envOptions{
		factories: session.Factories{edition.KindBaseline: rec},
		cfg: func(c *Config) {
			c.Extractor.ClientIPHeader = "X-Real-IP"
		},
		wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := auth.WithIdentity(r.Context(), auth.Identity{
					Principal:   authority.Principal{Subject: "alice"},
					Authorities: authority.Set{"ROLE_user": {}},
				})
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		},
	})

	c := env.dial(t, "/LiveApp/websocket", http.Header{
		"X-Real-IP":  {"10.0.0.9"},
		"User-Agent": {"test-agent/1.0"},
	})
	if got := roundTrip(t, c, `{"command":"ping"}`); got.Command != "ping" {
		t.Fatalf("echo=%+v", got)
	}

	info := rec.last()
	if info.Metadata.ClientIP != "10.0.0.9" || info.Metadata.UserAgent != "test-agent/1.0" {
		t.Fatalf("metadata=%+v", info.Metadata)
	}
	if info.Subject != "alice" || !info.Authorities.Has("ROLE_user") {
		t.Fatalf("identity=%q %v", info.Subject, info.Authorities)
	}
	if info.ID == "" || info.AppName != "LiveApp" || info.RoutingOverride {
		t.Fatalf("info=%+v", info)
	}
}

func TestWebSocketSignaling_RejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: func(c *Config) {
		c.Origins = origin.NewPolicy([]string{"https://app.example.com"})
	}})

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/LiveApp/websocket"), http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
	if env.metrics.Get(metrics.OriginRejected) != 1 {
		t.Fatalf("origin rejected=%d, want 1", env.metrics.Get(metrics.OriginRejected))
	}

	env.dial(t, "/LiveApp/websocket", http.Header{"Origin": {"https://app.example.com"}})
}

func TestWebSocketSignaling_MessageTooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: func(c *Config) { c.MaxMessageBytes = 64 }})
	c := env.dial(t, "/LiveApp/websocket", nil)

	payload := `{"command":"ping","streamId":"` + strings.Repeat("x", 128) + `"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseMessageTooBig)
	waitFor(t, func() bool { return env.metrics.Get(metrics.SignalingMessageTooBig) == 1 })
}

func TestWebSocketSignaling_RateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: func(c *Config) {
		c.MessagesPerSecond = 2
		c.Clock = frozenClock{now: time.Unix(1700000000, 0)}
	}})
	c := env.dial(t, "/LiveApp/websocket", nil)

	for i := 0; i < 2; i++ {
		if got := roundTrip(t, c, `{"command":"ping"}`); got.Command != "pong" {
			t.Fatalf("ping %d: got %+v", i, got)
		}
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"command":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if env.metrics.Get(metrics.SignalingRateLimited) != 1 {
		t.Fatalf("rate limited=%d, want 1", env.metrics.Get(metrics.SignalingRateLimited))
	}
}

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

func TestWebSocketSignaling_RejectsBinaryMessages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.dial(t, "/LiveApp/websocket", nil)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseUnsupportedData)
	waitFor(t, func() bool { return env.registry.Len() == 0 })
}

func TestWebSocketSignaling_IdleTimeoutClosesWithoutPong(t *testing.T) {
	env := newTestEnv(t, envOptions{cfg: func(c *Config) {
		c.IdleTimeout = 500 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	}})
	c := env.dial(t, "/LiveApp/websocket", nil)

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// No pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestWebSocketSignaling_PongKeepsConnectionOpenBeyondIdleTimeout(t *testing.T) {
	idleTimeout := 500 * time.Millisecond
	pingInterval := 50 * time.Millisecond
	env := newTestEnv(t, envOptions{cfg: func(c *Config) {
		c.IdleTimeout = idleTimeout
		c.PingInterval = pingInterval
	}})
	c := env.dial(t, "/LiveApp/websocket", nil)

	// The default ping handler answers with a pong.
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	time.Sleep(idleTimeout + 4*pingInterval)
	select {
	case err := <-errCh:
		t.Fatalf("unexpected close before idle timeout elapsed: %v", err)
	default:
	}

	_ = c.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for read goroutine to exit")
	}
}

func TestWebSocketSignaling_ShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.dial(t, "/LiveApp/websocket", nil)
	if got := roundTrip(t, c, `{"command":"publish","streamId":"s1"}`); got.Definition != handler.DefPublishStarted {
		t.Fatalf("got %+v, want publish_started", got)
	}

	env.srv.Shutdown()
	expectClose(t, c, websocket.CloseGoingAway)
	waitFor(t, func() bool { return env.registry.Len() == 0 })

	app, _ := env.host.App("LiveApp")
	st, _ := app.Streams().Get("s1")
	if st.Status != streamapp.StatusFinished {
		t.Fatalf("stream after shutdown=%+v", st)
	}
}
