package gateway

import (
	"sync"
	"time"
)

// SessionRateLimiter implements sliding window rate limiting of message
// frames for one session.
type SessionRateLimiter struct {
	mu                sync.Mutex
	messagesPerMinute int
	messages          []time.Time
	now               func() time.Time
}

// NewSessionRateLimiter creates a limiter; messagesPerMinute <= 0 disables it.
func NewSessionRateLimiter(messagesPerMinute int) *SessionRateLimiter {
	return &SessionRateLimiter{
		messagesPerMinute: messagesPerMinute,
		now:               time.Now,
	}
}

// Allow records a message and reports whether it fits in the window.
func (r *SessionRateLimiter) Allow() bool {
	if r.messagesPerMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.messages) >= r.messagesPerMinute {
		return false
	}
	r.messages = append(r.messages, now)
	return true
}

// Count returns the number of messages in the current window.
func (r *SessionRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.messages)
}

func (r *SessionRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.messages[:0]
	for _, t := range r.messages {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.messages = kept
}
