// Package auth verifies bearer credentials and turns them into principals
// whose claims feed the authority bridge.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrUnauthorized wraps every verification failure.
	ErrUnauthorized = errors.New("unauthorized")
)

// Authenticator verifies one credential and returns the principal it names.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (authority.Principal, error)
}

// New builds the authenticator for cfg.AuthMode. It returns nil when
// authentication is disabled. ctx bounds startup discovery only; an
// authenticator that refreshes keys in the background implements io.Closer.
func New(ctx context.Context, cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeJWT:
		if cfg.JWTJWKSURL != "" {
			a, err := NewJWKS(ctx, cfg.JWTJWKSURL, DefaultJWKSRefreshInterval)
			if err != nil {
				return nil, err
			}
			return a, nil
		}
		return NewHS256(cfg.JWTSecret), nil
	case config.AuthModeOIDC:
		a, err := NewOIDC(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter because browsers cannot set
// headers on WebSocket handshakes.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	Principal   authority.Principal
	Authorities authority.Set
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
