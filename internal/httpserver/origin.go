package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/origin"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalizedOrigin, _, ok := origin.NormalizeHeader(originHeader)
			if !ok || !s.origin.CheckRequest(r) {
				s.deps.Metrics.Inc(metrics.OriginRejected)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			// CORS headers are only needed for cross-origin callers but are
			// harmless on same-origin requests.
			w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
