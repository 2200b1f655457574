package httpapi

import (
	"sync"
	"time"
)

// bucket is a per-IP token bucket, refilled wholesale at the start of each
// window (core spec §6: "IP-based token-bucket rate limiting (window,
// max)"). A fixed-window counter rather than a continuous-refill bucket —
// simple, and sufficient for the spec's stated (window, max) shape.
type bucket struct {
	count      int
	windowEnds time.Time
}

// rateLimiter is a minimal in-process limiter. One limiter instance is
// owned by one Server; it is not shared across Kits.
type rateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string]*bucket
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, buckets: make(map[string]*bucket)}
}

// Allow reports whether ip may proceed, consuming one token if so.
func (r *rateLimiter) Allow(ip string) bool {
	if r.max <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.buckets[ip]
	if !ok || now.After(b.windowEnds) {
		b = &bucket{count: 0, windowEnds: now.Add(r.window)}
		r.buckets[ip] = b
	}
	if b.count >= r.max {
		return false
	}
	b.count++
	return true
}
