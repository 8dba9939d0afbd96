// ABOUTME: HTTP middleware that attaches developer identity to API requests
// ABOUTME: Bearer JWT when a secret is configured, X-Developer-Id header otherwise

package auth

import (
	"net/http"
	"strings"
)

// HeaderDeveloperID names the developer when the API runs without tokens.
const HeaderDeveloperID = "X-Developer-Id"

// AnonymousDeveloper is the identity used when no header is sent.
const AnonymousDeveloper = "anonymous"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware requires a valid developer token and adds its identity
// to the request context.
func HTTPAuthMiddleware(verifier *JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, errMsg)
				return
			}

			claims, err := verifier.VerifyClaims(token)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}

			authCtx := &AuthContext{
				PrincipalID:   claims.Subject,
				PrincipalType: claims.Type,
				Roles:         claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// AnonymousMiddleware trusts the X-Developer-Id header. Use it only when the
// API is not reachable by untrusted callers.
func AnonymousMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderDeveloperID))
			if id == "" {
				id = AnonymousDeveloper
			}
			// Grant admin role when auth is disabled
			ctx := WithDeveloper(r.Context(), id, RoleAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
