// Package handshake captures per-connection metadata while a signaling
// connection is being established.
package handshake

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/origin"
)

// Unknown is recorded for values that could not be determined.
const Unknown = "N/A"

// Metadata is computed once, before a session exists, and never changes.
type Metadata struct {
	UserAgent string
	// Origin is the normalized Origin header, or the raw value when it does
	// not parse. Empty when the client sent none.
	Origin   string
	ClientIP string
}

// PeerAddresser is implemented by transport connections that can report the
// remote socket address (*websocket.Conn, net.Conn).
type PeerAddresser interface {
	RemoteAddr() net.Addr
}

// Extractor reads handshake headers. ClientIPHeader names a trusted
// reverse-proxy header; when empty only the peer address is used.
type Extractor struct {
	ClientIPHeader string
	Logger         *slog.Logger
}

// Extract never fails. Missing values fall back to Unknown.
func (e Extractor) Extract(h http.Header, conn PeerAddresser) Metadata {
	md := Metadata{
		UserAgent: Unknown,
		ClientIP:  Unknown,
	}
	if ua := strings.TrimSpace(h.Get("User-Agent")); ua != "" {
		md.UserAgent = ua
	}
	if raw := strings.TrimSpace(h.Get("Origin")); raw != "" {
		if normalized, _, ok := origin.NormalizeHeader(raw); ok {
			md.Origin = normalized
		} else {
			md.Origin = raw
		}
	}

	if e.ClientIPHeader != "" {
		if raw := firstListValue(h.Get(e.ClientIPHeader)); raw != "" {
			if ip := net.ParseIP(raw); ip != nil {
				md.ClientIP = ip.String()
				return md
			}
			// The value itself is client-controlled and stays out of logs.
			e.logger().Warn("client ip header invalid", "header", e.ClientIPHeader)
		}
	}

	ip, err := peerIP(conn)
	if err != nil {
		e.logger().Warn("client ip unavailable", "err", err)
		return md
	}
	md.ClientIP = ip
	return md
}

func (e Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// peerIP isolates the transport-specific lookup; some connection types panic
// when their underlying socket is gone.
func peerIP(conn PeerAddresser) (ip string, err error) {
	if conn == nil {
		return "", fmt.Errorf("no peer connection")
	}
	defer func() {
		if r := recover(); r != nil {
			ip, err = "", fmt.Errorf("peer address lookup panicked: %v", r)
		}
	}()

	addr := conn.RemoteAddr()
	if addr == nil {
		return "", fmt.Errorf("peer address not available")
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil || a.IP == nil {
			return "", fmt.Errorf("peer address not available")
		}
		return a.IP.String(), nil
	case *net.UDPAddr:
		if a == nil || a.IP == nil {
			return "", fmt.Errorf("peer address not available")
		}
		return a.IP.String(), nil
	}

	s := addr.String()
	host, _, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		host = s
	}
	if parsed := net.ParseIP(host); parsed != nil {
		return parsed.String(), nil
	}
	return "", fmt.Errorf("unparseable peer address %q", s)
}

// firstListValue returns the first entry of a comma-separated header, which
// for X-Forwarded-For is the original client.
func firstListValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
