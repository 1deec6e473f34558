package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter. It counts events in
// the current and previous fixed windows and weights the previous window by
// how far into the current one "now" is, which approximates a true sliding
// window without keeping a timestamp per event.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	windowStart time.Time
	prev        int
	cur         int
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{limit: limit, window: window}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.windowStart.IsZero() {
		r.windowStart = now
	}

	elapsed := now.Sub(r.windowStart)
	switch {
	case elapsed >= 2*r.window:
		r.prev, r.cur = 0, 0
		r.windowStart = now
		elapsed = 0
	case elapsed >= r.window:
		r.prev, r.cur = r.cur, 0
		r.windowStart = r.windowStart.Add(r.window)
		elapsed -= r.window
	}

	carry := 1 - float64(elapsed)/float64(r.window)
	if carry < 0 {
		carry = 0
	}
	estimated := float64(r.cur) + carry*float64(r.prev)
	if estimated >= float64(r.limit) {
		return false
	}
	r.cur++
	return true
}
