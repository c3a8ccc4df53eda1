package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitByIP limits requests per client IP to the specified number per
// minute. Applied to the unauthenticated endpoints (login, verify) where
// per-key quota cannot apply yet, so brute-force probing is throttled before
// any hashing work happens.
func RateLimitByIP(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
