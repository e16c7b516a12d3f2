package middleware

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/technosupport/homeguard/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  ratelimit.LimitConfig
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c ratelimit.LimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: c}
}

// Limit counts requests per operator, or per client address when the
// request is unauthenticated. Redis failures fail open: a cache outage must
// not lock operators out of the alarm.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, key := "ip", "ip:"+m.limiter.HashIP(clientIP(r))
		if ac, ok := GetAuthContext(r.Context()); ok {
			scope, key = "op", fmt.Sprintf("op:%s", ac.Operator)
		}

		decision, err := m.limiter.Check(r.Context(), key, m.config)
		if errors.Is(err, ratelimit.ErrRedisUnavailable) {
			RecordRedisError()
			log.Printf("[WARN] RateLimit: redis unavailable, allowing %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		m.writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			RecordRateLimit(scope, "blocked")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		RecordRateLimit(scope, "allowed")
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
