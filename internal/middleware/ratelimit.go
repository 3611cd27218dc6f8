package middleware

import (
	"net"
	"net/http"
	"strconv"

	"github.com/dromero/obralink/backend/internal/service/ratelimit"
	"github.com/dromero/obralink/backend/pkg/utils"
)

// RateLimitIP enforces the per-IP sliding window and the ban list. Rejected
// requests carry X-RateLimit headers so clients can back off.
func RateLimitIP(limiter *ratelimit.IPLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if limiter.IsBanned(r.Context(), ip) {
				utils.RespondError(w, http.StatusForbidden, "address banned")
				return
			}

			if !limiter.Allow(r.Context(), ip) {
				quota := limiter.Quota(r.Context(), ip)
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(quota.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(quota.ResetIn.Seconds())))
				w.Header().Set("Retry-After", strconv.Itoa(int(quota.ResetIn.Seconds())))
				utils.RespondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware already
// rewrote RemoteAddr from forwarding headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
