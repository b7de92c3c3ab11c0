package turns

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Limiter decides whether another turn may start for a key.
type Limiter interface {
	Allow(key string) bool
}

const (
	defaultLimiterKeys = 10000
	defaultLimiterTTL  = 10 * time.Minute
)

// SessionRateLimiter is a token bucket per session id. Buckets for idle
// sessions age out of an expirable LRU.
type SessionRateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewSessionRateLimiter allows perMinute turns per session with a burst of the
// same size. perMinute <= 0 returns nil, meaning unlimited.
func NewSessionRateLimiter(perMinute int) *SessionRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &SessionRateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](defaultLimiterKeys, nil, defaultLimiterTTL),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (l *SessionRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, limiter)
	}
	l.mu.Unlock()
	return limiter.Allow()
}
