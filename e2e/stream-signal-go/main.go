package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handler"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/handshake"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/streamapp"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/webrtcpeer"
)

// Boots the signaling stack on an ephemeral port for browser E2E tests and
// prints "READY <port>" once it accepts connections. Authentication is always
// off and every origin is allowed.
func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	if v := os.Getenv("AUTH_MODE"); v != "" && v != string(config.AuthModeNone) {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	// EDITION, APP_NAMES and the ICE settings still come from the environment.
	cfg, err := config.Load([]string{
		"--listen-addr", listenAddr,
		"--allowed-origins", "*",
		"--log-level", envOrDefault("LOG_LEVEL", "warn"),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webrtc: %v\n", err)
		os.Exit(2)
	}

	m := metrics.New()
	host := streamapp.NewHost(streamapp.HostConfig{
		AppNames: cfg.AppNames,
		Edition:  cfg.Edition,
		Logger:   logger,
		Metrics:  m,
	})
	if err := host.StartAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "start applications: %v\n", err)
		os.Exit(1)
	}

	handlerCfg := handler.Config{ICEServers: cfg.ICEServers, Logger: logger, Metrics: m}
	registry := session.NewRegistry(session.RegistryConfig{
		Edition: cfg.Edition,
		Factories: session.Factories{
			edition.KindBaseline: handler.NewBaselineFactory(handlerCfg),
			edition.KindEnhanced: handler.NewEnhancedFactory(handlerCfg, api),
		},
		Contexts: host,
		Logger:   logger,
		Metrics:  m,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "e2e"}, httpserver.Deps{
		Policy:  authority.NewStreamingPolicy(cfg.AppNames, cfg.RequiredRole),
		Metrics: m,
		Ready:   host.Ready,
	})
	sig := signaling.NewServer(signaling.Config{
		Registry:            registry,
		Host:                host,
		Extractor:           handshake.Extractor{ClientIPHeader: cfg.ClientIPHeader, Logger: logger},
		Origins:             srv.OriginPolicy(),
		Logger:              logger,
		Metrics:             m,
		MaxMessageBytes:     cfg.MaxSignalingMessageBytes,
		MessagesPerSecond:   cfg.MaxSignalingMessagesPerSecond,
		FirstMessageTimeout: cfg.SignalingAuthTimeout,
		IdleTimeout:         cfg.SignalingWSIdleTimeout,
		PingInterval:        cfg.SignalingWSPingInterval,
	})
	sig.RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)
	logger.Debug("e2e harness ready", slog.Int("port", actualPort), slog.String("edition", string(cfg.Edition)))

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
	sig.Shutdown()
	registry.Close()
	host.StopAll()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
