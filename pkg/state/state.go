// Package state tracks per-channel diagnostic state for status surfaces.
package state

import (
	"sort"
	"sync"
	"time"
)

// ChannelState is a point-in-time view of one channel.
type ChannelState struct {
	Channel        string     `json:"channel"`
	IsRunning      bool       `json:"is_running"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	MessageCount   int64      `json:"message_count"`
	Error          string     `json:"error,omitempty"`
}

// Tracker maps channels to their latest state. Every update replaces the
// whole value, so callers may keep returned states without copying.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]ChannelState
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]ChannelState),
		now:    time.Now,
	}
}

func (t *Tracker) update(channel string, fn func(ChannelState) ChannelState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[channel]
	if !ok {
		cur = ChannelState{Channel: channel}
	}
	t.states[channel] = fn(cur)
}

// Start records that channel is running.
func (t *Tracker) Start(channel string) {
	now := t.now()
	t.update(channel, func(ChannelState) ChannelState {
		return ChannelState{Channel: channel, IsRunning: true, ConnectedSince: &now}
	})
}

// Connected refreshes ConnectedSince after a reconnect and clears the last error.
func (t *Tracker) Connected(channel string) {
	now := t.now()
	t.update(channel, func(s ChannelState) ChannelState {
		s.ConnectedSince = &now
		s.Error = ""
		return s
	})
}

// RecordMessage counts one completed round-trip.
func (t *Tracker) RecordMessage(channel string) {
	now := t.now()
	t.update(channel, func(s ChannelState) ChannelState {
		s.MessageCount++
		if s.LastMessageAt == nil || now.After(*s.LastMessageAt) {
			s.LastMessageAt = &now
		}
		return s
	})
}

// RecordError stores err as the channel's latest error.
func (t *Tracker) RecordError(channel string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	t.update(channel, func(s ChannelState) ChannelState {
		s.Error = msg
		return s
	})
}

// Stopped records that channel's transport gave up on its own, keeping the
// entry so the failure stays visible.
func (t *Tracker) Stopped(channel string, err error) {
	t.update(channel, func(s ChannelState) ChannelState {
		s.IsRunning = false
		if err != nil {
			s.Error = err.Error()
		}
		return s
	})
}

// Remove deletes the channel's entry.
func (t *Tracker) Remove(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, channel)
}

// Get returns the state for channel.
func (t *Tracker) Get(channel string) (ChannelState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[channel]
	return s, ok
}

// Snapshot returns every entry ordered by channel name.
func (t *Tracker) Snapshot() []ChannelState {
	t.mu.RLock()
	out := make([]ChannelState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
