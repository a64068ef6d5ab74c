package auth

import (
	"context"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
)

const (
	defaultLeeway = 30 * time.Second

	DefaultJWKSRefreshInterval = time.Hour
	defaultJWKSFetchTimeout    = time.Minute
)

// AccessTokenAuthenticator verifies OAuth2 bearer access tokens in JWT form.
type AccessTokenAuthenticator struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
	// stop ends the JWKS refresh goroutine; nil for static keys.
	stop context.CancelFunc
}

// NewAccessTokenAuthenticator accepts tokens signed with one of algs and
// verified by kf. exp is mandatory.
func NewAccessTokenAuthenticator(kf jwt.Keyfunc, algs ...string) *AccessTokenAuthenticator {
	return &AccessTokenAuthenticator{
		parser: jwt.NewParser(
			jwt.WithValidMethods(algs),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(defaultLeeway),
		),
		keyfunc: kf,
	}
}

// NewHS256 verifies tokens signed with a shared secret.
func NewHS256(secret string) *AccessTokenAuthenticator {
	key := []byte(secret)
	return NewAccessTokenAuthenticator(func(*jwt.Token) (any, error) { return key, nil }, jwt.SigningMethodHS256.Alg())
}

// NewJWKS verifies RSA and EC signed tokens against a remote JWK set, such
// as Keycloak's protocol/openid-connect/certs endpoint. ctx only bounds the
// initial fetch through its deadline; the set is then re-fetched every
// refreshInterval until Close, so rotated and revoked keys take effect.
func NewJWKS(ctx context.Context, jwksURL string, refreshInterval time.Duration) (*AccessTokenAuthenticator, error) {
	if refreshInterval <= 0 {
		refreshInterval = DefaultJWKSRefreshInterval
	}
	timeout := defaultJWKSFetchTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, fmt.Errorf("jwks init failed: %w", context.DeadlineExceeded)
		}
	}

	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	kf, err := keyfunc.NewDefaultOverrideCtx(refreshCtx, []string{jwksURL}, keyfunc.Override{
		HTTPTimeout:     timeout,
		RefreshInterval: refreshInterval,
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	a := NewJWKSKeyfunc(kf)
	a.stop = stop
	return a, nil
}

func NewJWKSKeyfunc(kf keyfunc.Keyfunc) *AccessTokenAuthenticator {
	return NewAccessTokenAuthenticator(kf.Keyfunc, "RS256", "RS384", "RS512", "ES256", "ES384", "PS256")
}

// Close stops background key refreshes. It is safe to call more than once.
func (a *AccessTokenAuthenticator) Close() error {
	if a.stop != nil {
		a.stop()
	}
	return nil
}

func (a *AccessTokenAuthenticator) Authenticate(_ context.Context, credential string) (authority.Principal, error) {
	if credential == "" {
		return authority.Principal{}, ErrMissingCredentials
	}
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(credential, claims, a.keyfunc); err != nil {
		return authority.Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return authority.Principal{}, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return authority.Principal{
		Kind:    authority.PrincipalOAuth2,
		Subject: sub,
		Claims:  map[string]any(claims),
	}, nil
}
