// Package ratelimit bounds per-client request rates on the completion
// surface with token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
)

// Limiter hands out request tokens per client key. Each key gets its own
// bucket refilled at the configured sustained rate; idle buckets are
// pruned once the key map grows past maxKeys.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	maxKeys int

	now func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New builds a limiter from cfg. Non-positive values fall back to ten
// requests per second with a burst of twice the rate.
func New(cfg config.RateLimitConfig) *Limiter {
	rate := cfg.RequestsPerSecond
	if rate <= 0 {
		rate = 10
	}
	burst := float64(cfg.Burst)
	if burst <= 0 {
		burst = rate * 2
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow consumes one token for key and reports whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucket(key)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter reports how long key must wait before its bucket holds a
// token again. It returns zero when a request would be allowed now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucket(key)
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(math.Ceil(missing / l.rate * float64(time.Second)))
}

// bucket returns the refilled bucket for key, creating it on first use.
// Callers hold mu.
func (l *Limiter) bucket(key string) *bucket {
	now := l.now()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.prune(now)
		}
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
		return b
	}

	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now
	return b
}

// prune drops buckets that have refilled back to near full; those keys
// have been idle long enough to forget. Callers hold mu.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		tokens := b.tokens + now.Sub(b.last).Seconds()*l.rate
		if tokens >= l.burst*0.9 {
			delete(l.buckets, key)
		}
	}
}
