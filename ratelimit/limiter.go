// Package ratelimit throttles mutating requests per caller. Limiters are
// constructed at boot and injected; there is no package-level state.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter consumes one request for subject within scope. When the request
// is refused, retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfter time.Duration, err error)
}

// Local is an in-process token bucket per scope and subject, used when no
// Redis is configured.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	maxKeys  int
}

// NewLocal allows perMinute requests per subject with a burst of the same
// size.
func NewLocal(perMinute int) *Local {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		maxKeys:  10000,
	}
}

func (l *Local) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

func (l *Local) Allow(_ context.Context, scope, subject string) (bool, time.Duration, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}
	r := l.limiter(scope + ":" + subject).Reserve()
	if !r.OK() {
		return false, time.Minute, nil
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, roundUp(delay), nil
	}
	return true, 0, nil
}

func roundUp(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
