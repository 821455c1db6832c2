package webhook

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/relaychat/automation"
)

// RateLimiter holds one token bucket per key. Incoming webhooks key by
// webhook ID, so one noisy integration cannot starve the rest.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates an empty limiter registry
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the key's bucket, creating the bucket
// from cfg on first sight. Returns ErrRateLimited when the bucket is
// empty.
func (l *RateLimiter) Allow(key string, cfg automation.RateLimitConfig) error {
	if cfg.RequestsPerMinute <= 0 {
		cfg = automation.DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = automation.DefaultRateLimit.Burst
	}

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if !bucket.Allow() {
		return automation.ErrRateLimited
	}
	return nil
}

// Forget drops the bucket for a key, picking up new limits on the next
// request. Called when a webhook's rate-limit config changes.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
