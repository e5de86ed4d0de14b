// Package ratelimit provides keyed token-bucket limiters for API endpoints
// that trigger outbound work.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grimm.is/v6tunnel/internal/clock"
)

// Limiter keeps one token bucket per key (usually a client IP).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	limit    rate.Limit
	burst    int
	clock    clock.Clock
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows burst requests per key, refilling one token every interval.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	return NewLimiterWithClock(interval, burst, clock.Real)
}

// NewLimiterWithClock is NewLimiter with an injectable time source.
func NewLimiterWithClock(interval time.Duration, burst int, c clock.Clock) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if c == nil {
		c = clock.Real
	}
	return &Limiter{
		limiters: make(map[string]*bucket),
		limit:    limit,
		burst:    burst,
		clock:    c,
	}
}

// Allow reports whether one request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN reports whether n requests for key may proceed now.
func (l *Limiter) AllowN(key string, n int) bool {
	now := l.clock.Now()

	l.mu.Lock()
	b, ok := l.limiters[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, n)
}

// Reset clears the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// CleanupExpired drops buckets not used within maxAge and returns how many
// were removed.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) > maxAge {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup prunes idle buckets every interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.CleanupExpired(maxAge)
			}
		}
	}()
}
