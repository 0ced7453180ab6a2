package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	pkghttp "github.com/summitlabs/bastion/pkg/http"
)

// RateLimitConfig bounds the per-IP limiter on the login endpoint. This is a
// coarse backstop against request floods; per-identity lockout is enforced
// separately by the brute-force guard.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
}

// RateLimitByIP creates a middleware that rate limits requests by client IP
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	window := config.Window
	if window <= 0 {
		window = time.Minute
	}

	return httprate.Limit(
		config.RequestsPerWindow,
		window,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
		}),
	)
}
