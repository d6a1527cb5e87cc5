package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/elvis3770/webai-gateway/internal/auth"
	"github.com/elvis3770/webai-gateway/internal/metrics"
)

// corsMiddleware sets CORS headers for the configured origins and
// answers preflight requests.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]bool, len(h.allowedOrigins))
	for _, origin := range h.allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		origins[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAll && origin == "" {
			origin = "*"
		}
		if allowAll || origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Admin-Password, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests to protected paths without a valid
// API key and attaches the caller identifier for the rate limiter.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(auth.HeaderName)

		if h.authEnabled && !h.keys.Authorize(r.URL.Path, key) {
			metrics.AuthFailures.Inc()
			slog.Warn("unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "ApiKey")
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key", "authentication_error")
			return
		}

		// The key becomes the rate-limit identifier only when it passed
		// membership (or auth is failing open with a key supplied).
		identifier := auth.Identifier(r, key)
		if key == "" || (h.authEnabled && !h.keys.Empty() && !h.keys.Contains(key)) {
			identifier = auth.Identifier(r, "")
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentifier(r.Context(), identifier)))
	})
}

// rateLimitMiddleware enforces the sliding-window limit for protected
// paths and decorates every response with the X-RateLimit-* headers.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.rateLimitEnabled || auth.IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identifier := auth.IdentifierFrom(r.Context())
		if identifier == "" {
			identifier = auth.Identifier(r, "")
		}

		res, err := h.limiter.Check(r.Context(), identifier)
		if err != nil {
			slog.Error("rate limiter error", "error", err, "identifier", identifier)
			writeError(w, http.StatusInternalServerError, "Internal error", "server_error")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if !res.Allowed {
			metrics.RateLimitDenials.WithLabelValues(r.URL.Path).Inc()
			slog.Warn("rate limit exceeded", "identifier", identifier, "path", r.URL.Path)
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", "rate_limit_error")
			return
		}

		next.ServeHTTP(w, r)
	})
}
