package webhook

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter implements per-IP rate limiting with a sliding one minute
// window.
type RateLimiter struct {
	mu        sync.Mutex
	limits    map[string][]time.Time
	maxPerMin int
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing maxRequestsPerMinute per IP.
// Zero or less disables limiting.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		limits:    make(map[string][]time.Time),
		maxPerMin: maxRequestsPerMinute,
		now:       time.Now,
	}
}

// CheckLimit records a request from ip and reports whether it is allowed.
func (rl *RateLimiter) CheckLimit(ip string) bool {
	if rl.maxPerMin <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := prune(rl.limits[ip], now)
	if len(recent) >= rl.maxPerMin {
		rl.limits[ip] = recent
		return false
	}
	rl.limits[ip] = append(recent, now)
	return true
}

// RetryAfter returns how long until ip may send again.
func (rl *RateLimiter) RetryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	reqs := rl.limits[ip]
	if len(reqs) == 0 {
		return 0
	}
	wait := rateWindow - rl.now().Sub(reqs[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Cleanup drops addresses without requests in the current window.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, reqs := range rl.limits {
		if recent := prune(reqs, now); len(recent) == 0 {
			delete(rl.limits, ip)
		} else {
			rl.limits[ip] = recent
		}
	}
}

func prune(reqs []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(reqs) && now.Sub(reqs[i]) >= rateWindow {
		i++
	}
	return reqs[i:]
}
