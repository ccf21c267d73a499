// Package auth provides HTTP middleware for API key and JWT authentication.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader carries a static API key.
	APIKeyHeader = "X-API-Key"

	principalContextKey contextKey = "principal"
)

// Scopes understood by the HTTP API.
const (
	ScopeRead     = "results:read"
	ScopeEvaluate = "evaluations:run"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Method  string // "api_key", "jwt" or "anonymous"
	Claims  *Claims
}

// Can reports whether the principal holds scope. API key callers hold all.
func (p *Principal) Can(scope string) bool {
	if p.Claims == nil {
		return true
	}
	return p.Claims.HasScope(scope)
}

// Authenticator checks X-API-Key and Authorization: Bearer headers.
type Authenticator struct {
	apiKey    string
	jwt       *JWTManager
	skipPaths map[string]bool
	logger    *slog.Logger
}

// NewAuthenticator creates an authenticator. An empty apiKey and nil jwt
// disable authentication.
func NewAuthenticator(apiKey string, jwt *JWTManager, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		apiKey: apiKey,
		jwt:    jwt,
		logger: logger,
		skipPaths: map[string]bool{
			"/healthz": true,
			"/readyz":  true,
			"/metrics": true,
		},
	}
}

// WithSkipPaths adds paths served without authentication
func (a *Authenticator) WithSkipPaths(paths ...string) *Authenticator {
	for _, p := range paths {
		a.skipPaths[p] = true
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.apiKey != "" || a.jwt != nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !a.Enabled() {
			ctx := WithPrincipal(r.Context(), &Principal{Subject: "anonymous", Method: "anonymous"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		p, reason := a.authenticate(r)
		if p == nil {
			a.logger.Debug("authentication failed", "path", r.URL.Path, "reason", reason)
			writeError(w, http.StatusUnauthorized, reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, string) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1 {
			return &Principal{Subject: "api_key", Method: "api_key"}, ""
		}
		return nil, "invalid API key"
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, "missing credentials"
	}
	if a.jwt == nil {
		return nil, "bearer tokens not accepted"
	}
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return nil, err.Error()
	}
	return &Principal{Subject: claims.Subject, Method: "jwt", Claims: claims}, ""
}

// RequireScope returns middleware that rejects principals lacking scope with 403.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !p.Can(scope) {
				writeError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
