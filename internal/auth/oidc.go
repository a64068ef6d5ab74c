package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
)

// IDTokenAuthenticator verifies OpenID Connect ID tokens. Its principals
// carry the token's user-info claims.
type IDTokenAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDC runs discovery against issuer and verifies tokens issued to
// clientID.
func NewOIDC(ctx context.Context, issuer, clientID string) (*IDTokenAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	return NewIDTokenAuthenticator(provider.Verifier(&oidc.Config{ClientID: clientID})), nil
}

func NewIDTokenAuthenticator(v *oidc.IDTokenVerifier) *IDTokenAuthenticator {
	return &IDTokenAuthenticator{verifier: v}
}

func (a *IDTokenAuthenticator) Authenticate(ctx context.Context, credential string) (authority.Principal, error) {
	if credential == "" {
		return authority.Principal{}, ErrMissingCredentials
	}
	tok, err := a.verifier.Verify(ctx, credential)
	if err != nil {
		return authority.Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var claims map[string]any
	if err := tok.Claims(&claims); err != nil {
		return authority.Principal{}, fmt.Errorf("%w: decode claims: %v", ErrUnauthorized, err)
	}
	return authority.Principal{
		Kind:    authority.PrincipalOIDC,
		Subject: tok.Subject,
		Claims:  claims,
	}, nil
}
