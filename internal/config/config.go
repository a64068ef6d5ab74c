package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/edition"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/origin"
)

const (
	envVarListenAddr      = "AERO_STREAM_SIGNAL_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_STREAM_SIGNAL_LOG_FORMAT"
	envVarLogLevel        = "AERO_STREAM_SIGNAL_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_STREAM_SIGNAL_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_STREAM_SIGNAL_MODE"

	// Deployment edition and hosted applications.
	envVarEdition      = "STREAM_EDITION"
	envVarAppNames     = "APP_NAMES"
	envVarRequiredRole = "REQUIRED_ROLE"

	// Authentication.
	envVarAuthMode     = "AUTH_MODE"
	envVarJWTSecret    = "JWT_SECRET"
	envVarJWTJWKSURL   = "JWT_JWKS_URL"
	envVarOIDCIssuer   = "OIDC_ISSUER_URL"
	envVarOIDCClientID = "OIDC_CLIENT_ID"

	// Handshake metadata.
	envVarClientIPHeader = "CLIENT_IP_HEADER"

	// Signaling WebSocket hardening.
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// WebRTC network settings for enhanced-edition peer connections.
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs = "WEBRTC_NAT_1TO1_IPS"

	DefaultListenAddr      = "127.0.0.1:5080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultEdition        = edition.Baseline
	DefaultAppNames       = "LiveApp"
	DefaultRequiredRole   = "user"
	DefaultAuthMode       = AuthModeNone
	DefaultOIDCClientID   = "stream-application"
	DefaultClientIPHeader = "X-Real-IP"

	DefaultSignalingAuthTimeout    = 2 * time.Second
	DefaultSignalingWSIdleTimeout  = 60 * time.Second
	DefaultSignalingWSPingInterval = 20 * time.Second
	// DefaultMaxSignalingMessageBytes matches the 80 KiB text buffer browsers
	// need for large SDP offers.
	DefaultMaxSignalingMessageBytes      = int64(8192 * 10)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	// AuthModeJWT accepts bearer access tokens signed with JWT_SECRET (HS256) or
	// with a key published at JWT_JWKS_URL.
	AuthModeJWT AuthMode = "jwt"
	// AuthModeOIDC accepts OpenID Connect ID tokens issued by OIDC_ISSUER_URL.
	AuthModeOIDC AuthMode = "oidc"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Edition is read once at startup and never changes afterwards.
	Edition  edition.Edition
	AppNames []string
	// RequiredRole is the role name (without the ROLE_ prefix) needed to reach
	// /{app}/** routes when authentication is enabled.
	RequiredRole string

	AuthMode     AuthMode
	JWTSecret    string
	JWTJWKSURL   string
	OIDCIssuer   string
	OIDCClientID string

	// ClientIPHeader names the trusted reverse-proxy header carrying the
	// client address. Empty disables the header lookup.
	ClientIPHeader string

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEServers []webrtc.ICEServer
	// TURNRESTSharedSecret enables per-session TURN credentials for TURN
	// entries configured without a static username.
	TURNRESTSharedSecret   string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string

	WebRTCUDPPortRange *UDPPortRange
	WebRTCNAT1To1IPs   []string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	editionStr := envOrDefault(lookup, envVarEdition, string(DefaultEdition))
	appNamesStr := envOrDefault(lookup, envVarAppNames, DefaultAppNames)
	requiredRole := envOrDefault(lookup, envVarRequiredRole, DefaultRequiredRole)
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtJWKSURL := envOrDefault(lookup, envVarJWTJWKSURL, "")
	oidcIssuer := envOrDefault(lookup, envVarOIDCIssuer, "")
	oidcClientID := envOrDefault(lookup, envVarOIDCClientID, DefaultOIDCClientID)
	clientIPHeader := envOrDefault(lookup, envVarClientIPHeader, DefaultClientIPHeader)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	turnRESTSecret := envOrDefault(lookup, envTurnRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envTurnRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envTurnRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePort(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePort(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	fs := flag.NewFlagSet("aero-stream-signal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&editionStr, "edition", editionStr, "Deployment edition: baseline or enhanced (env "+envVarEdition+")")
	fs.StringVar(&appNamesStr, "app-names", appNamesStr, "Comma-separated application names served under /{app}/websocket (env "+envVarAppNames+")")
	fs.StringVar(&requiredRole, "required-role", requiredRole, "Role required for /{app}/** routes when auth is enabled (env "+envVarRequiredRole+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Auth mode: none, jwt, or oidc (env "+envVarAuthMode+")")
	fs.StringVar(&jwtJWKSURL, "jwt-jwks-url", jwtJWKSURL, "JWKS URL used to verify access tokens (env "+envVarJWTJWKSURL+")")
	fs.StringVar(&oidcIssuer, "oidc-issuer-url", oidcIssuer, "OpenID Connect issuer URL (env "+envVarOIDCIssuer+")")
	fs.StringVar(&oidcClientID, "oidc-client-id", oidcClientID, "OpenID Connect client id expected in the aud claim (env "+envVarOIDCClientID+")")
	fs.StringVar(&clientIPHeader, "client-ip-header", clientIPHeader, "Trusted reverse-proxy header carrying the client IP; empty disables (env "+envVarClientIPHeader+")")

	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Max time an unbound signaling connection may wait for its first message (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-shared-secret", turnRESTSecret, "coturn use-auth-secret value; mints per-session credentials for TURN URLs without a username ("+envTurnRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials ("+envTurnRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "Middle field of minted TURN usernames ("+envTurnRESTUsernamePrefix+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	ed, err := edition.Parse(editionStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--edition: %w", envVarEdition, err)
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	appNames, err := parseAppNames(appNamesStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--app-names: %w", envVarAppNames, err)
	}
	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnRESTSecret != "")
	if err != nil {
		return Config{}, err
	}
	nat1To1IPs, err := parseIPList(nat1To1IPsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips: %w", envVarWebRTCNAT1To1IPs, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	requiredRole = strings.TrimSpace(requiredRole)
	if requiredRole == "" {
		return Config{}, fmt.Errorf("%s/--required-role must not be empty", envVarRequiredRole)
	}
	switch authMode {
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" && strings.TrimSpace(jwtJWKSURL) == "" {
			return Config{}, fmt.Errorf("%s or %s must be set when %s=%s", envVarJWTSecret, envVarJWTJWKSURL, envVarAuthMode, AuthModeJWT)
		}
	case AuthModeOIDC:
		if strings.TrimSpace(oidcIssuer) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarOIDCIssuer, envVarAuthMode, AuthModeOIDC)
		}
		if strings.TrimSpace(oidcClientID) == "" {
			return Config{}, fmt.Errorf("%s must not be empty when %s=%s", envVarOIDCClientID, envVarAuthMode, AuthModeOIDC)
		}
	}
	clientIPHeader = strings.TrimSpace(clientIPHeader)
	if clientIPHeader != "" && !isHTTPToken(clientIPHeader) {
		return Config{}, fmt.Errorf("%s/--client-ip-header %q is not a valid header name", envVarClientIPHeader, clientIPHeader)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	if turnRESTSecret != "" {
		if turnRESTTTL < time.Second {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be >= 1s", envTurnRESTTTL)
		}
		if turnRESTPrefix == "" || strings.Contains(turnRESTPrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envTurnRESTUsernamePrefix)
		}
	}

	var portRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		if webrtcUDPPortMin > 65535 || webrtcUDPPortMax > 65535 {
			return Config{}, fmt.Errorf("webrtc udp ports must be <= 65535")
		}
		if webrtcUDPPortMin > webrtcUDPPortMax {
			return Config{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		portRange = &UDPPortRange{Min: uint16(webrtcUDPPortMin), Max: uint16(webrtcUDPPortMax)}
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		Edition:      ed,
		AppNames:     appNames,
		RequiredRole: requiredRole,

		AuthMode:     authMode,
		JWTSecret:    jwtSecret,
		JWTJWKSURL:   strings.TrimSpace(jwtJWKSURL),
		OIDCIssuer:   strings.TrimSpace(oidcIssuer),
		OIDCClientID: strings.TrimSpace(oidcClientID),

		ClientIPHeader: http.CanonicalHeaderKey(clientIPHeader),

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		ICEServers:             iceServers,
		TURNRESTSharedSecret:   turnRESTSecret,
		TURNRESTTTL:            turnRESTTTL,
		TURNRESTUsernamePrefix: turnRESTPrefix,
		WebRTCUDPPortRange:     portRange,
		WebRTCNAT1To1IPs:       nat1To1IPs,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	case string(AuthModeOIDC):
		return AuthModeOIDC, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT, AuthModeOIDC)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parseAppNames(raw string) ([]string, error) {
	names := splitCommaSeparated(raw)
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one application name is required")
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if strings.ContainsAny(name, "/?#") {
			return nil, fmt.Errorf("application name %q must be a single path segment", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate application name %q", name)
		}
		seen[name] = true
	}
	return names, nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, part := range splitCommaSeparated(s) {
		if net.ParseIP(part) == nil {
			return nil, fmt.Errorf("invalid ip %q", part)
		}
		out = append(out, part)
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be > 0")
	}
	return uint16(n), nil
}

func isHTTPToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}
