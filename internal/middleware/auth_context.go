package middleware

import (
	"context"
	"slices"

	"github.com/technosupport/homeguard/internal/tokens"
)

type contextKey string

const (
	AuthContextKey contextKey = "auth_context"
)

// AuthContext holds the authenticated operator for a request.
type AuthContext struct {
	Operator string
	TokenID  string // jti
	Scopes   []tokens.Scope
}

func (a *AuthContext) Allows(s tokens.Scope) bool {
	return slices.Contains(a.Scopes, s)
}

// GetAuthContext retrieves the AuthContext from the context
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok
}

// WithAuthContext attaches the AuthContext to the context
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}
