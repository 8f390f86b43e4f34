package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process Limiter: one token bucket per principal,
// refilled at limit/minute with a burst of limit.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewLocalLimiter allows limit requests per minute per principal.
func NewLocalLimiter(limit int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(limit) / time.Minute.Seconds()),
		burst:   max(limit, 0),
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, principal string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[principal]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[principal] = b
	}
	l.mu.Unlock()
	return b.AllowN(l.now(), 1), nil
}
