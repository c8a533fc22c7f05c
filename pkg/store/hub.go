package store

import (
	"sync"

	"github.com/harun/ranya-bridge/pkg/conversation"
)

// hub fans out message-log snapshots and the executing set. Each subscriber
// channel holds at most one pending value; a newer value replaces an unread
// one, so slow readers always see the latest state.
type hub struct {
	mu        sync.Mutex
	nextID    int
	messages  map[string]map[int]chan []conversation.Message
	executing map[int]chan conversation.IDSet
	running   conversation.IDSet
}

func newHub() *hub {
	return &hub{
		messages:  make(map[string]map[int]chan []conversation.Message),
		executing: make(map[int]chan conversation.IDSet),
		running:   conversation.IDSet{},
	}
}

func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// loader reads a conversation's current log. Hub calls it while holding its
// lock so snapshots reach subscribers in commit order.
type loader func(conversationID string) ([]conversation.Message, error)

func (h *hub) subscribeMessages(conversationID string, load loader) (<-chan []conversation.Message, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	initial, err := load(conversationID)
	if err != nil {
		return nil, nil, err
	}

	h.nextID++
	id := h.nextID
	ch := make(chan []conversation.Message, 1)
	ch <- initial

	subs, ok := h.messages[conversationID]
	if !ok {
		subs = make(map[int]chan []conversation.Message)
		h.messages[conversationID] = subs
	}
	subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.messages, conversationID)
			}
			close(ch)
		})
	}, nil
}

func (h *hub) publishMessages(conversationID string, load loader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.messages[conversationID]
	if len(subs) == 0 {
		return nil
	}
	snapshot, err := load(conversationID)
	if err != nil {
		return err
	}
	for _, ch := range subs {
		offer(ch, snapshot)
	}
	return nil
}

func (h *hub) subscribeExecuting() (<-chan conversation.IDSet, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan conversation.IDSet, 1)
	ch <- h.runningCopy()
	h.executing[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.executing, id)
			close(ch)
		})
	}
}

func (h *hub) setExecuting(conversationID string, executing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, was := h.running[conversationID]
	if was == executing {
		return
	}
	if executing {
		h.running[conversationID] = struct{}{}
	} else {
		delete(h.running, conversationID)
	}
	for _, ch := range h.executing {
		offer(ch, h.runningCopy())
	}
}

func (h *hub) isExecuting(conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running.Contains(conversationID)
}

func (h *hub) runningCopy() conversation.IDSet {
	out := make(conversation.IDSet, len(h.running))
	for id := range h.running {
		out[id] = struct{}{}
	}
	return out
}
