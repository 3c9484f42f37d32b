package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/mklatt/bastion/internal/models"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// PrincipalContextKey is the key for storing token claims in context
	PrincipalContextKey contextKey = "principal"
)

// SessionChecker reports whether a session or principal has been invalidated
// out of band. Both checks run on every authenticated request: a token that
// is still valid by expiry is rejected the moment either flag is set.
type SessionChecker interface {
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
	IsReauthRequired(ctx context.Context, principalID, sessionID string) (bool, error)
}

// Middleware validates access tokens and enforces revocation and
// force-reauth flags before handlers run.
func Middleware(tm *TokenManager, checker SessionChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(parts[1], models.TokenTypeAccess)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			// Fail closed: if the flag store is unreachable we cannot prove
			// the session is still live.
			revoked, err := checker.IsSessionRevoked(r.Context(), claims.SessionID)
			if err != nil {
				http.Error(w, "unable to verify session status", http.StatusServiceUnavailable)
				return
			}
			if revoked {
				http.Error(w, "session has been revoked", http.StatusUnauthorized)
				return
			}

			reauth, err := checker.IsReauthRequired(r.Context(), claims.PrincipalID, claims.SessionID)
			if err != nil {
				http.Error(w, "unable to verify session status", http.StatusServiceUnavailable)
				return
			}
			if reauth {
				http.Error(w, "re-authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts the validated token claims, if present.
func ClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(PrincipalContextKey).(*models.TokenClaims)
	return claims, ok
}

// RequirePermission rejects requests whose token lacks the permission.
func RequirePermission(permission string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !models.HasPermission(claims.Permissions, permission) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
