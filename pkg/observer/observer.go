// Package observer waits for the agent's answer to an inbound message by
// reconciling the conversation's message log with its execution signal.
package observer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/ranya-bridge/pkg/conversation"
)

// StoppedPlaceholder is returned when execution finished without any
// assistant message after the inbound message.
const StoppedPlaceholder = "[Execution stopped]"

const (
	DefaultGraceChecks = 3
	DefaultGraceTick   = 500 * time.Millisecond
)

var (
	// ErrTimeout is returned when no answer settles within the wait timeout.
	ErrTimeout = errors.New("timed out waiting for agent response")
	// ErrFailed wraps every other observer failure.
	ErrFailed = errors.New("response observer failed")
)

// Outcome describes how a wait settled.
type Outcome string

const (
	OutcomeFinal    Outcome = "final"
	OutcomeFallback Outcome = "fallback"
	OutcomeStopped  Outcome = "stopped"
)

// Result is the message to relay back to the chat.
type Result struct {
	Content   string
	Timestamp time.Time
	Outcome   Outcome
}

// Observer awaits agent answers from an ObserverSource.
type Observer struct {
	source      conversation.ObserverSource
	graceChecks int
	graceTick   time.Duration
	now         func() time.Time
}

// Option configures an Observer.
type Option func(*Observer)

// WithGraceChecks sets how many re-evaluations follow the end of execution
// before falling back.
func WithGraceChecks(n int) Option {
	return func(o *Observer) { o.graceChecks = n }
}

// WithGraceTick sets the re-evaluation interval used once execution has
// finished, so the grace window elapses even when neither signal changes.
func WithGraceTick(d time.Duration) Option {
	return func(o *Observer) { o.graceTick = d }
}

// New creates an observer over source.
func New(source conversation.ObserverSource, opts ...Option) *Observer {
	o := &Observer{
		source:      source,
		graceChecks: DefaultGraceChecks,
		graceTick:   DefaultGraceTick,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Await blocks until conversationID has an answer newer than after, the
// grace window after execution ends is exhausted, or timeout elapses.
// A timeout of zero waits until ctx is done.
func (o *Observer) Await(ctx context.Context, conversationID string, after time.Time, timeout time.Duration) (Result, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	messages, stopMessages := o.source.WatchMessages(conversationID)
	defer stopMessages()
	executing, stopExecuting := o.source.WatchExecuting()
	defer stopExecuting()

	var (
		log                  []conversation.Message
		running              bool
		haveLog, haveRunning bool
		graceUsed            int
		ticker               *time.Ticker
		tick                 <-chan time.Time
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("%w: %w", ErrFailed, ctx.Err())
			}
			return Result{}, ErrTimeout
		case l, ok := <-messages:
			if !ok {
				return Result{}, fmt.Errorf("%w: message log closed", ErrFailed)
			}
			log, haveLog = l, true
		case set, ok := <-executing:
			if !ok {
				return Result{}, fmt.Errorf("%w: execution signal closed", ErrFailed)
			}
			running, haveRunning = set.Contains(conversationID), true
		case <-tick:
		}

		if !haveLog || !haveRunning {
			continue
		}

		if msg, ok := finalAnswer(log, after); ok {
			return Result{Content: msg.Content, Timestamp: msg.Timestamp, Outcome: OutcomeFinal}, nil
		}

		if running {
			graceUsed = 0
			stopTicker()
			continue
		}

		if graceUsed < o.graceChecks {
			graceUsed++
			if ticker == nil && o.graceTick > 0 {
				ticker = time.NewTicker(o.graceTick)
				tick = ticker.C
			}
			continue
		}

		if msg, ok := latestAssistant(log, after); ok && strings.TrimSpace(msg.Content) != "" {
			return Result{Content: msg.Content, Timestamp: msg.Timestamp, Outcome: OutcomeFallback}, nil
		}
		return Result{Content: StoppedPlaceholder, Timestamp: o.now(), Outcome: OutcomeStopped}, nil
	}
}

func finalAnswer(log []conversation.Message, after time.Time) (conversation.Message, bool) {
	for i := len(log) - 1; i >= 0; i-- {
		m := log[i]
		if m.Role == conversation.RoleAssistant && m.Timestamp.After(after) &&
			strings.TrimSpace(m.Content) != "" && !m.HasToolCalls() {
			return m, true
		}
	}
	return conversation.Message{}, false
}

func latestAssistant(log []conversation.Message, after time.Time) (conversation.Message, bool) {
	var latest conversation.Message
	found := false
	for _, m := range log {
		if m.Role != conversation.RoleAssistant || !m.Timestamp.After(after) {
			continue
		}
		if !found || !m.Timestamp.Before(latest.Timestamp) {
			latest, found = m, true
		}
	}
	return latest, found
}
