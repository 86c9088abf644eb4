package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/lorrc/opsgraph-realtime/internal/auth"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/logging"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// UserClaimsKey is the key used to store user claims in the request context.
const UserClaimsKey contextKey = "userClaims"

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter used by EventSource and browser
// WebSocket clients, which cannot set headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}

	token := r.URL.Query().Get("token")
	return token, token != ""
}

// JWTMiddleware validates the JWT token from the Authorization header or
// token query parameter.
func JWTMiddleware(tm *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := TokenFromRequest(r)
			if !ok {
				http.Error(w, "Authorization header or token parameter is required", http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			ctx = logging.WithUserID(ctx, claims.UserID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserClaims returns the claims stored by JWTMiddleware.
func GetUserClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserClaimsKey).(*auth.Claims)
	return claims, ok
}
