package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/golang-jwt/jwt"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func capture(got **domain.Principal) http.Handler {
	return http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		*got = PrincipalFromContext(r.Context())
	})
}

func TestAnonymousCookieIsIssuedAndReused(t *testing.T) {
	t.Parallel()

	var p *domain.Principal
	h := Middleware("", true)(capture(&p))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if p == nil || !p.Anonymous || !isValidAnonID(p.UserID) {
		t.Fatalf("unexpected principal %+v", p)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != p.UserID {
		t.Fatalf("cookie not issued: %+v", cookies)
	}
	first := p.UserID

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)
	if p.UserID != first {
		t.Fatalf("cookie not reused: %s != %s", p.UserID, first)
	}
}

func TestInvalidCookieIsReplaced(t *testing.T) {
	t.Parallel()

	var p *domain.Principal
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "../../etc/passwd"})
	Middleware("", true)(capture(&p)).ServeHTTP(httptest.NewRecorder(), req)

	if p == nil || p.UserID == "../../etc/passwd" || !isValidAnonID(p.UserID) {
		t.Fatalf("invalid cookie accepted: %+v", p)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	valid := signToken(t, testSecret, jwt.MapClaims{
		"sub":                "user-42",
		"preferred_username": "ada",
		"exp":                time.Now().Add(time.Hour).Unix(),
	})
	wrongSecret := signToken(t, "other", jwt.MapClaims{"sub": "x"})
	expired := signToken(t, testSecret, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(-time.Hour).Unix()})
	noSubject := signToken(t, testSecret, jwt.MapClaims{"name": "x"})

	tests := []struct {
		name     string
		setup    func(*http.Request)
		wantCode int
		wantUser string
	}{
		{
			name:     "header",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			wantCode: http.StatusOK,
			wantUser: "user-42",
		},
		{
			name: "query param",
			setup: func(r *http.Request) {
				r.URL.RawQuery = TokenQueryParam + "=" + valid
			},
			wantCode: http.StatusOK,
			wantUser: "user-42",
		},
		{
			name:     "wrong secret",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongSecret) },
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "expired",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) },
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing subject",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+noSubject) },
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var p *domain.Principal
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()
			Middleware(testSecret, true)(capture(&p)).ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantCode, strings.TrimSpace(rr.Body.String()))
			}
			if tt.wantUser == "" {
				return
			}
			if p == nil || p.UserID != tt.wantUser || p.Anonymous || p.Username != "ada" {
				t.Fatalf("unexpected principal %+v", p)
			}
			if p.Claim("preferred_username") != "ada" {
				t.Fatalf("claims not copied: %+v", p.Claims)
			}
		})
	}
}

func TestTokenIgnoredWithoutSecret(t *testing.T) {
	t.Parallel()

	var p *domain.Principal
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	Middleware("", true)(capture(&p)).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || p == nil || !p.Anonymous {
		t.Fatalf("expected anonymous fallback, code=%d principal=%+v", rr.Code, p)
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Fatalf("ip = %q", got)
	}
}
