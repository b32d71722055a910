package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/go-ipset/internal/ipset"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRequireAdmin(t *testing.T) {
	const secret = "s3cret"
	exp := time.Now().Add(time.Hour).Unix()

	var gotSub string
	h := RequireAdmin(secret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub, _ = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name  string
		authz string
		want  int
	}{
		{"missing header", "", 401},
		{"not bearer", "Basic abc", 401},
		{"garbage", "Bearer nope", 401},
		{"wrong secret", "Bearer " + signHS256(t, "other", jwt.MapClaims{"sub": "ops", "scope": "admin", "exp": exp}), 401},
		{"no scope", "Bearer " + signHS256(t, secret, jwt.MapClaims{"sub": "ops", "exp": exp}), 401},
		{"no sub", "Bearer " + signHS256(t, secret, jwt.MapClaims{"scope": "admin", "exp": exp}), 401},
		{"no exp", "Bearer " + signHS256(t, secret, jwt.MapClaims{"sub": "ops", "scope": "admin"}), 401},
		{"expired", "Bearer " + signHS256(t, secret, jwt.MapClaims{"sub": "ops", "scope": "admin", "exp": time.Now().Add(-time.Hour).Unix()}), 401},
		{"ok", "Bearer " + signHS256(t, secret, jwt.MapClaims{"sub": "ops", "scope": "admin", "exp": exp}), 204},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/-/reload", nil)
			if tc.authz != "" {
				req.Header.Set("Authorization", tc.authz)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
	if gotSub != "ops" {
		t.Fatalf("expected subject in context, got %q", gotSub)
	}
}

func TestRequireAdminWithoutSecretHides(t *testing.T) {
	h := RequireAdmin("", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/-/status", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAllowFrom(t *testing.T) {
	set, _ := ipset.New([]string{"10.1.0.0/16"})
	h := AllowFrom(func() *ipset.Set { return set }, IPResolver{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for addr, want := range map[string]int{
		"10.1.2.3:1000":  204,
		"10.2.0.1:1000":  403,
		"[2001::1]:1000": 403,
		"not-an-addr":    403,
	} {
		req := httptest.NewRequest("GET", "/-/status", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", addr, want, rr.Code)
		}
	}
}

func TestAllowFromRejectsSpoofedForwardedFor(t *testing.T) {
	allowed, _ := ipset.New([]string{"192.0.2.1"})
	trusted, _ := ipset.New([]string{"10.0.0.0/8"})
	h := AllowFrom(func() *ipset.Set { return allowed }, IPResolver{Trusted: trusted}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/-/status", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "192.0.2.1, 203.0.113.9")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for spoofed hop, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/-/status", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "192.0.2.1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected allowed client through trusted proxy, got %d", rr.Code)
	}
}
