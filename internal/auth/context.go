// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating developer identity via context

package auth

import (
	"context"
)

// Principal types.
const (
	PrincipalDeveloper = "developer"
	PrincipalProbe     = "probe"
)

// RoleAdmin allows operations across every developer's instruments.
const RoleAdmin = "admin"

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID   string   // developer id or probe instance id
	PrincipalType string   // "developer" | "probe"
	Roles         []string // roles granted by the token
}

// IsAdmin returns true if the principal has the admin role.
func (a *AuthContext) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// WithDeveloper is shorthand for attaching a developer identity.
func WithDeveloper(ctx context.Context, developerID string, roles ...string) context.Context {
	return WithAuth(ctx, &AuthContext{
		PrincipalID:   developerID,
		PrincipalType: PrincipalDeveloper,
		Roles:         roles,
	})
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
