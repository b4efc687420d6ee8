package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	pkghttp "github.com/medisync/identity/pkg/http"
)

// RateLimitConfig holds the transport-level request cap. It sits in front
// of the application limiter and only guards against raw request floods;
// the per-action fixed-window limiter owns the credential-guessing budget.
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultAuthRateLimit caps unauthenticated auth endpoints at 30 requests
// per minute per IP.
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
		}),
	)
}
