package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/cafgpt/cafgpt/pkg/apperr"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Require returns middleware admitting only bearer tokens with role.
func (a *Authority) Require(role string, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				fail(w, r, apperr.New(apperr.KindUnauthorized, "missing authorization header"))
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				fail(w, r, apperr.New(apperr.KindUnauthorized, "invalid authorization header format"))
				return
			}

			claims, err := a.ValidateToken(parts[1])
			if err != nil {
				fail(w, r, apperr.Wrap(apperr.KindUnauthorized, "invalid token", err))
				return
			}
			if claims.Role != role {
				fail(w, r, apperr.New(apperr.KindForbidden, "insufficient role"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by Require.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}
