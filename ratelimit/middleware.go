package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// SubjectFunc names who a request is counted against.
type SubjectFunc func(r *http.Request) string

// DenyFunc writes the response for a refused request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// Middleware applies l to every request under scope. A limiter error lets
// the request through and is logged.
func Middleware(l Limiter, scope string, subject SubjectFunc, deny DenyFunc, log *logrus.Entry) func(http.Handler) http.Handler {
	if deny == nil {
		deny = func(w http.ResponseWriter, _ *http.Request, _ time.Duration) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := subject(r)
			if key == "" {
				key = r.RemoteAddr
			}
			allowed, retryAfter, err := l.Allow(r.Context(), scope, key)
			if err != nil {
				if log != nil {
					log.WithError(err).WithField("scope", scope).Warn("rate limiter unavailable; allowing request")
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				deny(w, r, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
