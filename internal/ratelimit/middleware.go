package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"metergate/internal/models"
)

// Middleware returns HTTP middleware that enforces the admission gate on
// every request. The window keys are the client IP and, when the caller
// identifies itself via the X-User-ID header, the user and ip+user pairs.
//
// The gate fails open: if the backing store is unreachable the request
// proceeds and the failure is logged. Rate limiting protects capacity; an
// outage of the limiter must not take the service down with it.
func Middleware(gate Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			userID := r.Header.Get("X-User-ID")

			decision, err := gate.Check(r.Context(), ip, userID)
			if err != nil {
				slog.Error("Rate limit store unavailable, failing open",
					"ip", ip,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			// Always set rate limit headers
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))

			if !decision.Allowed {
				retryAfterSecs := int(decision.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				errorResp := models.NewErrorResponse("Rate limit exceeded", models.ErrorCodeRateLimitExceeded)
				json.NewEncoder(w).Encode(errorResp)

				slog.Warn("Rate limit exceeded",
					"ip", ip,
					"user_id", userID,
					"limit", decision.Limit,
					"retry_after", retryAfterSecs,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from the request, checking proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
