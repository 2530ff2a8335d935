package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/handoverhq/docsearch/internal/core"
)

type principalKey struct{}

// Claims are issued by the platform's identity service. scheme_ids lists the
// schemes the caller may see; empty means every scheme of the tenant.
type Claims struct {
	TenantID  string   `json:"tenant_id"`
	SchemeIDs []string `json:"scheme_ids,omitempty"`
	jwt.RegisteredClaims
}

// JWTMiddleware validates the bearer token and attaches the caller's scope
// to the request context.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or invalid token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (any, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			if strings.TrimSpace(claims.TenantID) == "" {
				unauthorized(w, "invalid token claims")
				return
			}

			scope := core.SearchScope{TenantID: claims.TenantID, SchemeIDs: claims.SchemeIDs}
			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), scope)))
		})
	}
}

// WithScope stores the caller's scope in ctx.
func WithScope(ctx context.Context, scope core.SearchScope) context.Context {
	return context.WithValue(ctx, principalKey{}, scope)
}

// ScopeFromContext returns the scope set by JWTMiddleware.
func ScopeFromContext(ctx context.Context) (core.SearchScope, bool) {
	s, ok := ctx.Value(principalKey{}).(core.SearchScope)
	return s, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"` + msg + `"}`))
}
