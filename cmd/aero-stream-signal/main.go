package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/auth"
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
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const authDiscoveryTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-stream-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"edition", cfg.Edition,
		"apps", cfg.AppNames,
		"auth_mode", cfg.AuthMode,
		"required_role", cfg.RequiredRole,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNRESTSharedSecret != "",
	)
	logStartupSecurityWarnings(logger, cfg)

	discoveryCtx, cancelDiscovery := context.WithTimeout(context.Background(), authDiscoveryTimeout)
	authn, err := auth.New(discoveryCtx, cfg)
	cancelDiscovery()
	if err != nil {
		logger.Error("failed to configure authentication", "err", err)
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
		logger.Error("failed to start applications", "err", err)
		os.Exit(1)
	}

	var turn *turnrest.Issuer
	if cfg.TURNRESTSharedSecret != "" {
		turn, err = turnrest.NewIssuer(turnrest.Config{
			SharedSecret:   cfg.TURNRESTSharedSecret,
			TTL:            cfg.TURNRESTTTL,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			logger.Error("invalid TURN REST configuration", "err", err)
			os.Exit(2)
		}
	}

	handlerCfg := handler.Config{ICEServers: cfg.ICEServers, TURN: turn, Logger: logger, Metrics: m}
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
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Authenticator: authn,
		Policy:        authority.NewStreamingPolicy(cfg.AppNames, cfg.RequiredRole),
		Metrics:       m,
		Ready:         host.Ready,
		TURN:          turn,
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

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownSessions := func() {
		sig.Shutdown()
		registry.Close()
		host.StopAll()
		if c, ok := authn.(io.Closer); ok {
			_ = c.Close()
		}
	}

	select {
	case err := <-errCh:
		shutdownSessions()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	shutdownSessions()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
