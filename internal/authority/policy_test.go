package authority

import (
	"net/http"
	"testing"
)

func TestStreamingPolicy(t *testing.T) {
	p := NewStreamingPolicy([]string{"LiveApp"}, "user")
	user := MapClaims(map[string]any{"groups": []any{"user"}})
	guest := MapClaims(map[string]any{"groups": []any{"guest"}})

	cases := []struct {
		name          string
		method, path  string
		authenticated bool
		authorities   Set
		want          Decision
	}{
		{"preflight", http.MethodOptions, "/LiveApp/websocket", false, nil, Allow},
		{"rest", http.MethodGet, "/rest/v2/broadcasts", false, nil, Allow},
		{"root", http.MethodGet, "/", false, nil, Allow},
		{"app without login", http.MethodGet, "/LiveApp/websocket", false, nil, Unauthenticated},
		{"app without role", http.MethodGet, "/LiveApp/websocket", true, guest, Forbidden},
		{"app with role", http.MethodGet, "/LiveApp/websocket", true, user, Allow},
		{"app root", http.MethodGet, "/LiveApp", true, user, Allow},
		{"prefix is not a segment match", http.MethodGet, "/LiveAppX/websocket", false, nil, Unauthenticated},
		{"hook without login", http.MethodPost, "/hooks/LiveApp/publish-stopped", false, nil, Unauthenticated},
		{"hook without role", http.MethodPost, "/hooks/LiveApp/publish-stopped", true, guest, Forbidden},
		{"hook with role", http.MethodPost, "/hooks/LiveApp/mux-finished", true, user, Allow},
		{"unknown route authenticated", http.MethodGet, "/other", true, guest, Allow},
		{"unknown route anonymous", http.MethodGet, "/other", false, nil, Unauthenticated},
	}
	for _, tc := range cases {
		if got := p.Decide(tc.method, tc.path, tc.authenticated, tc.authorities); got != tc.want {
			t.Fatalf("%s: Decide=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPolicyPermit(t *testing.T) {
	p := NewStreamingPolicy([]string{"LiveApp"}, "user").Permit("/healthz")
	if p.Requires(http.MethodGet, "/healthz") {
		t.Fatalf("expected /healthz to be open")
	}
	if !p.Requires(http.MethodGet, "/LiveApp/websocket") {
		t.Fatalf("expected app route to require auth")
	}
}
