package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantOrigin  string
		wantCreds   string
		wantNextRun bool
	}{
		{name: "wildcard echoes origin", allowed: []string{"*"}, origin: "https://a.example", method: http.MethodGet, wantOrigin: "https://a.example", wantNextRun: true},
		{name: "explicit origin gets credentials", allowed: []string{"https://a.example"}, origin: "https://a.example", method: http.MethodGet, wantOrigin: "https://a.example", wantCreds: "true", wantNextRun: true},
		{name: "unlisted origin", allowed: []string{"https://a.example"}, origin: "https://evil.example", method: http.MethodGet, wantNextRun: true},
		{name: "preflight short-circuits", allowed: []string{"*"}, origin: "https://a.example", method: http.MethodOptions, wantOrigin: "https://a.example"},
		{name: "no origin header", allowed: []string{"*"}, method: http.MethodGet, wantNextRun: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ran := false
			h := CORS(tt.allowed)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { ran = true }))

			req := httptest.NewRequest(tt.method, "/api/config", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("allow-credentials = %q, want %q", got, tt.wantCreds)
			}
			if ran != tt.wantNextRun {
				t.Errorf("next ran = %v, want %v", ran, tt.wantNextRun)
			}
		})
	}
}
