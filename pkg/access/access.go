// Package access decides which senders may reach the inbound pipeline.
package access

import (
	"sort"
	"strings"
	"sync"
)

// Controller holds one allow-list per channel. A channel without an
// allow-list, or with an empty one, admits every sender.
type Controller struct {
	mu    sync.RWMutex
	lists map[string]map[string]struct{}
}

// NewController builds a controller from channel → sender ids.
func NewController(lists map[string][]string) *Controller {
	c := &Controller{lists: make(map[string]map[string]struct{})}
	for channel, ids := range lists {
		c.SetAllowList(channel, ids)
	}
	return c
}

// SetAllowList replaces the allow-list for channel.
func (c *Controller) SetAllowList(channel string, ids []string) {
	set := allowFromSet(ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	if set == nil {
		delete(c.lists, channel)
		return
	}
	c.lists[channel] = set
}

// Allowed reports whether sender may reach the pipeline on channel.
func (c *Controller) Allowed(channel, sender string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.lists[channel]
	if !ok {
		return true
	}
	_, ok = set[strings.TrimSpace(sender)]
	return ok
}

// AllowList returns the sorted allow-list for channel, nil when unrestricted.
func (c *Controller) AllowList(channel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.lists[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func allowFromSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
