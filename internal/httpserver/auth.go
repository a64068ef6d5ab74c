package httpserver

import (
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/authority"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
)

// authMiddleware authenticates the bearer credential when one is presented,
// maps the principal's claims to authorities and applies the route policy.
// A credential that fails verification is rejected even on open routes.
func (s *Server) authMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		if s.deps.Authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				authenticated bool
				authorities   authority.Set
			)

			credential, err := auth.CredentialFromRequest(r)
			switch {
			case errors.Is(err, auth.ErrMissingCredentials):
			case err != nil:
				s.reject(w, r, http.StatusUnauthorized, err)
				return
			default:
				principal, err := s.deps.Authenticator.Authenticate(r.Context(), credential)
				if err != nil {
					s.reject(w, r, http.StatusUnauthorized, err)
					return
				}
				authenticated = true
				authorities = authority.MapPrincipals([]authority.Principal{principal})
				r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{
					Principal:   principal,
					Authorities: authorities,
				}))
			}

			switch s.deps.Policy.Decide(r.Method, r.URL.Path, authenticated, authorities) {
			case authority.Unauthenticated:
				s.reject(w, r, http.StatusUnauthorized, auth.ErrMissingCredentials)
			case authority.Forbidden:
				s.reject(w, r, http.StatusForbidden, nil)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, err error) {
	attrs := []any{"path", r.URL.Path, "status", status, "request_id", r.Header.Get("X-Request-ID")}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	if status == http.StatusForbidden {
		s.deps.Metrics.Inc(metrics.AuthForbidden)
		s.log.Warn("request forbidden", attrs...)
		http.Error(w, "forbidden", status)
		return
	}
	s.deps.Metrics.Inc(metrics.AuthRejected)
	s.log.Warn("request unauthenticated", attrs...)
	w.Header().Set("WWW-Authenticate", `Bearer realm="aero-stream-signal"`)
	http.Error(w, "unauthorized", status)
}
