package api

import (
	"sync"
	"time"
)

// RateLimiter is a sliding window limiter keyed by session id
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	requests map[string][]time.Time
}

// NewRateLimiter allows maxRequests per key within window. Non-positive
// values fall back to 10 per minute.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		requests:    make(map[string][]time.Time),
	}
}

// recent drops timestamps outside the window. Callers hold mu.
func (r *RateLimiter) recent(key string, now time.Time) []time.Time {
	history := r.requests[key]
	cutoff := now.Add(-r.window)

	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	if i == len(history) {
		delete(r.requests, key)
		return nil
	}
	history = history[i:]
	r.requests[key] = history
	return history
}

// Allow records a request for key and reports whether it is within limits.
// A denied request is not recorded.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.recent(key, now)) >= r.maxRequests {
		return false
	}
	r.requests[key] = append(r.requests[key], now)
	return true
}

// RemainingCooldown returns how long key must wait for its next request
func (r *RateLimiter) RemainingCooldown(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	history := r.recent(key, now)
	if len(history) < r.maxRequests {
		return 0
	}
	return history[0].Add(r.window).Sub(now)
}

// Count returns the number of requests of key within the window
func (r *RateLimiter) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recent(key, r.now()))
}

// Reset forgets the history of key
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, key)
}
