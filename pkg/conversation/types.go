// Package conversation defines the collaborators the bridge relays into and
// the mapper that points every channel at one shared conversation.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores for unknown conversation ids.
var ErrNotFound = errors.New("conversation not found")

// Role identifies the author of a logged message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation's append-only log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Attachments    []string  `json:"attachments,omitempty"`
	ToolCalls      string    `json:"tool_calls,omitempty"` // raw tool invocation payload, empty for plain text
	Timestamp      time.Time `json:"timestamp"`
}

// HasToolCalls reports whether the message carries a tool invocation payload.
func (m Message) HasToolCalls() bool {
	return strings.TrimSpace(m.ToolCalls) != ""
}

// Executor runs the agent against a conversation. ExecuteMessage schedules
// the run and returns without waiting for the answer.
type Executor interface {
	ExecuteMessage(ctx context.Context, conversationID, text string, attachments []string) error
}

// Store persists conversations and inbound user messages.
type Store interface {
	CreateConversation(ctx context.Context) (string, error)
	InsertUserMessage(ctx context.Context, conversationID, text string, attachments []string) (Message, error)
	Exists(ctx context.Context, conversationID string) (bool, error)
}

// IDSet is a set of conversation ids.
type IDSet map[string]struct{}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// ObserverSource exposes the two signals the response observer reconciles.
// Each watch channel delivers the current value immediately and then every
// change; the returned func unsubscribes and closes the channel.
type ObserverSource interface {
	WatchMessages(conversationID string) (<-chan []Message, func())
	WatchExecuting() (<-chan IDSet, func())
}
