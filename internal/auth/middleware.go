//
//
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// ContextKey is used for storing claims in request context.
type ContextKey string

const (
	ClaimsKey ContextKey = "claims"
)

// Roles
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Scopes
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

// Anonymous is attached to every request when authentication is disabled.
var Anonymous = &Claims{
	Subject: "anonymous",
	Roles:   []string{RoleOperator},
	Scopes:  []string{ScopeRead, ScopeControl, ScopeTelemetry},
}

// Middleware handles authentication and authorization.
type Middleware struct {
	verifier *Verifier
	logger   *slog.Logger
}

// NewMiddleware creates an auth middleware. A nil verifier disables token
// checks and treats every caller as Anonymous.
func NewMiddleware(verifier *Verifier, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Middleware{
		verifier: verifier,
		logger:   logger.With("component", "auth"),
	}
}

// Enabled reports whether tokens are verified.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// RequireAuth requires a valid bearer token and stores its claims in the
// request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.verifier == nil {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), Anonymous)))
			return
		}

		token, err := extractBearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}

		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			m.logger.Debug("Token rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireScope requires every listed scope on the caller's claims.
func (m *Middleware) RequireScope(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}

			if !HasScopes(claims, requiredScopes...) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the bearer token from the Authorization header.
// Browsers cannot set headers on EventSource or WebSocket requests, so an
// access_token query parameter is accepted as well.
func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("missing Authorization header")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("empty token")
	}

	return token, nil
}

// HasScopes checks if the claims carry all required scopes.
func HasScopes(claims *Claims, requiredScopes ...string) bool {
	if claims == nil {
		return false
	}
	for _, required := range requiredScopes {
		if !contains(claims.Scopes, required) {
			return false
		}
	}
	return true
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// ClaimsFrom extracts claims from ctx.
func ClaimsFrom(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// Subject returns the caller's subject, or "" without claims.
func Subject(ctx context.Context) string {
	if claims := ClaimsFrom(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// writeError writes an error response in the API format.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
