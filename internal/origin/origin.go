// Package origin parses browser Origin headers and decides which origins may
// open signaling connections.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin browsers send from sandboxed or file:// pages.
const Null = "null"

// Origin is a parsed http(s) origin. Port is zero when it is the scheme's
// default.
type Origin struct {
	Scheme   string
	Hostname string
	Port     uint16
}

// Parse accepts scheme://host[:port] with an optional trailing slash.
func Parse(raw string) (Origin, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == Null {
		return Origin{}, false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return Origin{}, false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return Origin{}, false
	}
	if u.Path != "" && u.Path != "/" {
		return Origin{}, false
	}

	o := Origin{Scheme: strings.ToLower(u.Scheme)}
	if o.Scheme != "http" && o.Scheme != "https" {
		return Origin{}, false
	}

	hostname, port, ok := parseAuthority(u.Host)
	if !ok {
		return Origin{}, false
	}
	o.Hostname = hostname
	if port != defaultPort(o.Scheme) {
		o.Port = port
	}
	return o, true
}

// Host is the host[:port] authority, bracketing IPv6 literals.
func (o Origin) Host() string {
	host := o.Hostname
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if o.Port != 0 {
		host += ":" + strconv.Itoa(int(o.Port))
	}
	return host
}

func (o Origin) String() string {
	return o.Scheme + "://" + o.Host()
}

// NormalizeHeader returns the canonical form of an Origin header together with
// its host[:port]. "null" is accepted and returned unchanged with an empty host.
func NormalizeHeader(header string) (normalized string, host string, ok bool) {
	if strings.TrimSpace(header) == Null {
		return Null, "", true
	}
	o, ok := Parse(header)
	if !ok {
		return "", "", false
	}
	return o.String(), o.Host(), true
}

// Policy is an origin allow-list. An empty list admits only same-host
// requests; "*" admits every well-formed origin.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

func NewPolicy(allowedOrigins []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, entry := range allowedOrigins {
		if entry == "*" {
			p.any = true
			continue
		}
		if normalized, _, ok := NormalizeHeader(entry); ok {
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

// Allows reports whether a request for requestHost carrying the given Origin
// header is acceptable.
func (p Policy) Allows(header, requestHost string) bool {
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return false
	}
	if p.any {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return ok
	}
	if normalized == Null {
		return false
	}

	// Schemes are not compared: TLS is usually terminated by a proxy in front
	// of the server while the browser still reports https.
	o, _ := Parse(normalized)
	reqHostname, reqPort, ok := parseAuthority(strings.TrimSpace(requestHost))
	if !ok {
		return false
	}
	if reqPort == defaultPort(o.Scheme) {
		reqPort = 0
	}
	return Origin{Scheme: o.Scheme, Hostname: reqHostname, Port: reqPort}.Host() == host
}

// CheckRequest is shaped for websocket.Upgrader.CheckOrigin. Requests without
// an Origin header come from non-browser clients and are admitted; more than
// one Origin header is rejected.
func (p Policy) CheckRequest(r *http.Request) bool {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return true
	case 1:
		if strings.TrimSpace(values[0]) == "" {
			return true
		}
		return p.Allows(values[0], r.Host)
	default:
		return false
	}
}

func parseAuthority(authority string) (hostname string, port uint16, ok bool) {
	if authority == "" {
		return "", 0, false
	}

	rawHost, rawPort := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		if p == "" {
			return "", 0, false
		}
		rawHost, rawPort = h, p
	} else if strings.HasPrefix(authority, "[") {
		if !strings.HasSuffix(authority, "]") {
			return "", 0, false
		}
		rawHost = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", 0, false
	}

	if rawHost == "" {
		return "", 0, false
	}
	if strings.Contains(rawHost, ":") && net.ParseIP(rawHost) == nil {
		return "", 0, false
	}

	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", 0, false
		}
		port = uint16(n)
	}
	return strings.ToLower(rawHost), port, true
}

func defaultPort(scheme string) uint16 {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 0
	}
}
