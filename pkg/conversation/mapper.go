package conversation

import (
	"context"
	"fmt"
	"sync"
)

// Mapper owns the single active-conversation pointer shared by every channel
// and remembers the last chat seen on each channel for broadcasts.
type Mapper struct {
	store Store

	mu     sync.Mutex
	active string

	chatMu   sync.RWMutex
	lastChat map[string]string
}

// NewMapper creates a mapper with no active conversation.
func NewMapper(store Store) *Mapper {
	return &Mapper{
		store:    store,
		lastChat: make(map[string]string),
	}
}

// Restore points the mapper at an existing conversation, typically the most
// recent one found in the store at startup.
func (m *Mapper) Restore(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = conversationID
}

// ActiveConversationID returns the current pointer, empty if none.
func (m *Mapper) ActiveConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ResolveConversationID returns the active conversation, creating one if
// none exists or the pointed-to conversation has disappeared from the store.
func (m *Mapper) ResolveConversationID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != "" {
		ok, err := m.store.Exists(ctx, m.active)
		if err != nil {
			return "", fmt.Errorf("check conversation %s: %w", m.active, err)
		}
		if ok {
			return m.active, nil
		}
	}
	return m.createLocked(ctx)
}

// CreateNewConversation always creates a fresh conversation and makes it active.
func (m *Mapper) CreateNewConversation(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx)
}

func (m *Mapper) createLocked(ctx context.Context) (string, error) {
	id, err := m.store.CreateConversation(ctx)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	m.active = id
	return id, nil
}

// SetLastChat records the most recent external chat id seen on channel.
func (m *Mapper) SetLastChat(channel, chatID string) {
	m.chatMu.Lock()
	defer m.chatMu.Unlock()
	m.lastChat[channel] = chatID
}

// LastChat returns the most recent external chat id seen on channel.
func (m *Mapper) LastChat(channel string) (string, bool) {
	m.chatMu.RLock()
	defer m.chatMu.RUnlock()
	id, ok := m.lastChat[channel]
	return id, ok
}
