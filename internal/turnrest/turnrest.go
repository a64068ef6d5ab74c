// Package turnrest mints short-lived TURN credentials in the coturn
// "use-auth-secret" format, so TURN servers can be handed to browsers without
// publishing a static password.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const DefaultUsernamePrefix = "aero"

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Issuer is safe for concurrent use. A nil *Issuer issues nothing and passes
// ICE server lists through unchanged.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: TTL must be at least 1s")
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issue mints credentials bound to sessionID. An empty sessionID gets a
// random one; colons are stripped since they delimit the username fields.
func (i *Issuer) Issue(sessionID string) Credentials {
	sessionID = strings.ReplaceAll(sessionID, ":", "")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + i.prefix + ":" + sessionID
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}
}

// ICEServers returns a copy of servers in which every TURN entry without a
// static username carries credentials minted for sessionID.
func (i *Issuer) ICEServers(servers []webrtc.ICEServer, sessionID string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)
	if i == nil {
		return out
	}
	var creds *Credentials
	for n := range out {
		if out[n].Username != "" || !IsTURN(out[n]) {
			continue
		}
		if creds == nil {
			c := i.Issue(sessionID)
			creds = &c
		}
		out[n].Username = creds.Username
		out[n].Credential = creds.Credential
		out[n].CredentialType = webrtc.ICECredentialTypePassword
	}
	return out
}

// IsTURN reports whether any URL of server uses a turn or turns scheme.
func IsTURN(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		scheme, _, _ := strings.Cut(u, ":")
		if scheme == "turn" || scheme == "turns" {
			return true
		}
	}
	return false
}

// Verify checks credentials the way a coturn server would at time now.
func Verify(sharedSecret []byte, username, credential string, now time.Time) bool {
	expiry, _, ok := strings.Cut(username, ":")
	if !ok {
		return false
	}
	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil || now.Unix() > unix {
		return false
	}
	return hmac.Equal([]byte(sign(sharedSecret, username)), []byte(credential))
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
