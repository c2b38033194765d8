package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"netsentinel/internal/config"
)

// WithMiddleware wraps the handler with the standard middleware chain.
func WithMiddleware(handler http.Handler, cfg *config.Config) http.Handler {
	// Apply middleware in reverse order (last applied runs first)
	h := handler

	h = recoveryMiddleware(h)

	h = loggingMiddleware(h)

	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}

	if cfg.RateLimit.Enabled {
		h = rateLimitMiddleware(h, cfg.RateLimit)
	}

	return h
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware checks for a valid API key.
func authMiddleware(next http.Handler, authCfg config.AuthConfig) http.Handler {
	validKeys := make(map[string]bool)
	for _, key := range authCfg.APIKeys {
		validKeys[key] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and metrics endpoints
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(authCfg.APIKeyHeader)
		if apiKey == "" {
			http.Error(w, `{"success":false,"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}

		if !validKeys[apiKey] {
			http.Error(w, `{"success":false,"error":"invalid API key"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"success":false,"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies rate limiting based on client IP.
func rateLimitMiddleware(next http.Handler, cfg config.RateLimitConfig) http.Handler {
	limiter := NewRateLimiter(cfg)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := getClientIP(r, cfg.TrustProxy)

		allowed, remaining, resetTime := limiter.Allow(ip)

		limit := cfg.RequestsPerIP + cfg.BurstSize
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))

		if !allowed {
			slog.Warn("rate limit exceeded",
				"ip", ip,
				"path", r.URL.Path,
				"method", r.Method,
			)

			retryAfter := int(time.Until(resetTime).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// X-Forwarded-For may contain multiple IPs, take the first
			if i := strings.IndexByte(xff, ','); i >= 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
