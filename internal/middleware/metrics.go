package middleware

import (
	"strconv"

	"github.com/technosupport/homeguard/internal/metrics"
)

// RecordRateLimit counts one limiter decision. scope is "op" or "ip".
func RecordRateLimit(scope string, result string) {
	metrics.RateLimitRequestsTotal.WithLabelValues(scope, result).Inc()
}

func RecordRedisError() {
	metrics.RateLimitRedisErrorsTotal.Inc()
}

func RecordAuthFailure(reason string) {
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRequest counts a finished request by status class (2xx, 4xx, ...).
func RecordRequest(method string, status int) {
	metrics.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
}
