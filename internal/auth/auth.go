// Package auth implements API-key authentication with a static
// allow-list and a public-path exemption list, plus the bcrypt-checked
// admin credential guarding session administration.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HeaderName is the request header carrying the caller's API key.
const HeaderName = "X-API-Key"

// AdminHeaderName carries the admin password for session administration.
const AdminHeaderName = "X-Admin-Password"

// publicPaths never require authentication and are never rate limited.
var publicPaths = map[string]bool{
	"/":                   true,
	"/health":             true,
	"/health/live":        true,
	"/health/ready":       true,
	"/metrics":            true,
	"/metrics/prometheus": true,
	"/openapi.json":       true,
}

// IsPublicPath reports whether a path is exempt from authentication and
// rate limiting.
func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, "/docs") || strings.HasPrefix(path, "/redoc")
}

// KeySet is the immutable set of valid API keys, built once at startup.
// An empty set disables authentication entirely (fail-open); Load logs
// this loudly and config.Validate flags it.
type KeySet struct {
	keys map[string]bool
}

func NewKeySet(keys []string) *KeySet {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = true
		}
	}

	if len(set) == 0 {
		slog.Warn("no API keys configured: authentication is FAIL-OPEN, all requests are accepted")
	}

	return &KeySet{keys: set}
}

// Empty reports whether the set holds no keys (fail-open mode).
func (s *KeySet) Empty() bool {
	return len(s.keys) == 0
}

// Contains checks key membership by exact string match. Comparison is
// not constant-time; keys are random opaque strings, but this remains
// an open hardening gap.
func (s *KeySet) Contains(key string) bool {
	return s.keys[key]
}

// Authorize decides whether a request to path with the provided key may
// proceed. Public paths always pass; an empty key set passes everything.
func (s *KeySet) Authorize(path, key string) bool {
	if IsPublicPath(path) {
		return true
	}
	if s.Empty() {
		return true
	}
	return key != "" && s.Contains(key)
}

type contextKey int

const identifierKey contextKey = 0

// WithIdentifier stores the rate-limit identifier for the request.
func WithIdentifier(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, identifierKey, identifier)
}

// IdentifierFrom returns the caller identifier set during
// authentication, or "" when none was attached.
func IdentifierFrom(ctx context.Context) string {
	if v, ok := ctx.Value(identifierKey).(string); ok {
		return v
	}
	return ""
}

// Identifier derives the rate-limit identifier for a request: the
// authenticated key truncated for privacy when present, otherwise the
// client IP honoring the first X-Forwarded-For hop.
func Identifier(r *http.Request, apiKey string) string {
	if apiKey != "" {
		if len(apiKey) > 8 {
			apiKey = apiKey[:8]
		}
		return "key:" + apiKey
	}

	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		host = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// Admin verifies the admin password against its bcrypt hash. A gateway
// with no ADMIN_PASSWORD_HASH configured has no admin surface.
type Admin struct {
	hash string
}

func NewAdmin(passwordHash string) *Admin {
	return &Admin{hash: passwordHash}
}

func (a *Admin) Enabled() bool {
	return a.hash != ""
}

func (a *Admin) Verify(password string) bool {
	if !a.Enabled() || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.hash), []byte(password)) == nil
}
