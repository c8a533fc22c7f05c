package channels

import (
	"context"
	"time"
)

const (
	DefaultBackoffInitial = 3 * time.Second
	DefaultBackoffMax     = 60 * time.Second
)

// Backoff yields exponentially growing retry delays. It is owned by a single
// receive loop and is not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay for the current failure and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if d > b.max {
		d = b.max
	}
	b.next = d * 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset returns to the initial delay after a successful call.
func (b *Backoff) Reset() {
	b.next = b.initial
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep pauses for d, returning ctx.Err() if ctx finishes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
