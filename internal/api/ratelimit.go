package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/digkill/GenStudio/internal/metrics"
)

// RateLimits holds per-account request budgets per minute.
type RateLimits struct {
	Credits  int
	Generate int
	Status   int
	Uploads  int
}

func (l RateLimits) withDefaults() RateLimits {
	if l.Credits <= 0 {
		l.Credits = 30
	}
	if l.Generate <= 0 {
		l.Generate = 10
	}
	if l.Status <= 0 {
		l.Status = 120
	}
	if l.Uploads <= 0 {
		l.Uploads = 20
	}
	return l
}

func keyByAccount(r *http.Request) (string, error) {
	id, ok := accountFrom(r.Context())
	if !ok {
		return "", errors.New("unauthenticated request reached the rate limiter")
	}
	return id, nil
}

// perAccountLimit applies a sliding one-minute window per account. httprate
// sets the X-RateLimit-* and Retry-After headers before the limit handler runs.
func perAccountLimit(budget string, perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(keyByAccount),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			metrics.RateLimitRejections.WithLabelValues(budget).Inc()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		}),
	)
}
