package mw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/go-ipset/internal/httpx"
	"github.com/3xpluto/go-ipset/internal/ipset"
)

const AdminScope = "admin"

type subjectKeyType string

const subjectKey subjectKeyType = "sub"

// ValidateAdminToken checks an HS256 token and returns its subject. The
// token must carry scope=admin and an expiry.
func ValidateAdminToken(secret []byte, tokStr string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return "", errors.New("invalid token")
	}
	if scope, _ := claims["scope"].(string); scope != AdminScope {
		return "", errors.New("missing admin scope")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

// RequireAdmin guards admin endpoints with a bearer token. Without a secret
// the endpoints are not exposed at all.
func RequireAdmin(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	key := []byte(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		sub, err := ValidateAdminToken(key, strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")))
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok
}

// AllowFrom rejects clients outside the set returned by lookup. lookup is
// called per request so reloads take effect immediately; a nil lookup
// allows everyone.
func AllowFrom(lookup func() *ipset.Set, ipr IPResolver, next http.Handler) http.Handler {
	if lookup == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := ipr.Addr(r)
		if !ok || !lookup().Contains(addr) {
			httpx.Error(w, http.StatusForbidden, "forbidden", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
