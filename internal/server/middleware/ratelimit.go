package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns a coarse per-IP limit of requestsPerMinute using
// httprate's sliding window counter. It is applied to admin routes on top
// of the per-client limiter inside Guard.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(clientIPKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		}),
	)
}

func clientIPKey(r *http.Request) (string, error) {
	return ClientIP(r), nil
}
