package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedUsers caps the limiter map so rotating user ids cannot exhaust
// memory.
const maxTrackedUsers = 4096

// userLimiter hands out one token bucket per user id. Safe for concurrent
// use.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newUserLimiter allows rpm requests per minute per user with a burst of
// burst. rpm <= 0 disables limiting.
func newUserLimiter(rpm, burst int) *userLimiter {
	if rpm <= 0 {
		return nil
	}
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether the user may issue a request now. A nil limiter
// always allows.
func (l *userLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= maxTrackedUsers {
			// Drop the whole map rather than track an unbounded key set.
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	return lim.Allow()
}
