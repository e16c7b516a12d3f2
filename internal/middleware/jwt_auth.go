package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/technosupport/homeguard/internal/tokens"
)

type TokenValidator interface {
	Validate(tokenString string) (*tokens.Claims, error)
}

// RevocationChecker reports tokens revoked before their expiry.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type JWTAuth struct {
	tokens  TokenValidator
	revoked RevocationChecker
}

func NewJWTAuth(t TokenValidator) *JWTAuth {
	return &JWTAuth{tokens: t}
}

// WithRevocations makes the middleware consult r for every token. When r
// cannot answer the request is refused.
func (m *JWTAuth) WithRevocations(r RevocationChecker) *JWTAuth {
	m.revoked = r
	return m
}

// Middleware verifies the bearer token and injects AuthContext.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			RecordAuthFailure("missing")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			RecordAuthFailure("malformed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			RecordAuthFailure("invalid")
			log.Printf("[WARN] Auth: rejected token from %s: %v", r.RemoteAddr, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if m.revoked != nil {
			revoked, err := m.revoked.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				log.Printf("[ERROR] Auth: revocation check failed: %v", err)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			if revoked {
				RecordAuthFailure("revoked")
				log.Printf("[WARN] Auth: revoked token %s used by %s", claims.ID, claims.Operator)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		ac := &AuthContext{
			Operator: claims.Operator,
			TokenID:  claims.ID,
			Scopes:   claims.Scopes,
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// RequireScope rejects requests whose token lacks scope. It must run after
// Middleware.
func RequireScope(scope tokens.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuthContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !ac.Allows(scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
