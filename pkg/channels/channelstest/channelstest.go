// Package channelstest provides in-memory collaborators for adapter tests.
package channelstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ranya-bridge/pkg/access"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/harun/ranya-bridge/pkg/observer"
	"github.com/harun/ranya-bridge/pkg/state"
	"github.com/rs/zerolog"
)

// Store is an in-memory conversation.Store.
type Store struct {
	mu        sync.Mutex
	next      int
	convs     map[string]bool
	inserted  []conversation.Message
	InsertErr error
}

func NewStore() *Store {
	return &Store{convs: make(map[string]bool)}
}

func (s *Store) CreateConversation(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("conv-%d", s.next)
	s.convs[id] = true
	return id, nil
}

func (s *Store) InsertUserMessage(_ context.Context, id, text string, attachments []string) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return conversation.Message{}, s.InsertErr
	}
	m := conversation.Message{
		ConversationID: id,
		Role:           conversation.RoleUser,
		Content:        text,
		Attachments:    attachments,
		Timestamp:      time.Now(),
	}
	s.inserted = append(s.inserted, m)
	return m, nil
}

func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id], nil
}

// Inserted returns the user messages stored so far.
func (s *Store) Inserted() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.inserted...)
}

// Conversations returns how many conversations were created.
func (s *Store) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Execution is one recorded executor call.
type Execution struct {
	ConversationID string
	Text           string
	Attachments    []string
}

// Executor records calls and returns Err.
type Executor struct {
	mu    sync.Mutex
	calls []Execution
	Err   error
}

func (e *Executor) ExecuteMessage(_ context.Context, id, text string, attachments []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Execution{id, text, attachments})
	return e.Err
}

func (e *Executor) Calls() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Execution(nil), e.calls...)
}

// Awaiter returns a fixed result after Delay.
type Awaiter struct {
	Result observer.Result
	Err    error
	Delay  time.Duration
}

func (a *Awaiter) Await(ctx context.Context, _ string, _ time.Time, _ time.Duration) (observer.Result, error) {
	if a.Delay > 0 {
		select {
		case <-ctx.Done():
			return observer.Result{}, fmt.Errorf("%w: %w", observer.ErrFailed, ctx.Err())
		case <-time.After(a.Delay):
		}
	}
	return a.Result, a.Err
}

// Reply is a fixed successful Awaiter.
func Reply(content string) *Awaiter {
	return &Awaiter{Result: observer.Result{Content: content, Timestamp: time.Now(), Outcome: observer.OutcomeFinal}}
}

// Sent is one chunk delivered through a Transport.
type Sent struct {
	ChatID string
	Text   string
}

// Transport records outbound chunks and typing probes.
type Transport struct {
	mu      sync.Mutex
	sent    []Sent
	typing  int
	Max     int
	SendErr error
}

func (t *Transport) Send(_ context.Context, chatID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, Sent{chatID, text})
	return nil
}

func (t *Transport) MaxMessageLength() int {
	if t.Max == 0 {
		return 4096
	}
	return t.Max
}

func (t *Transport) SendTyping(context.Context, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing++
	return nil
}

func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

func (t *Transport) TypingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Deps assembles channels.Deps around the given fakes with a fresh mapper,
// tracker and unrestricted access controller.
func Deps(store *Store, exec *Executor, awaiter channels.Awaiter) channels.Deps {
	return channels.Deps{
		Mapper:          conversation.NewMapper(store),
		Store:           store,
		Executor:        exec,
		Observer:        awaiter,
		Tracker:         state.NewTracker(),
		Access:          access.NewController(nil),
		Logger:          zerolog.Nop(),
		TypingInterval:  5 * time.Millisecond,
		ResponseTimeout: time.Second,
	}
}
