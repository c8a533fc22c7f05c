package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/harun/ranya-bridge/pkg/observer"
	"github.com/harun/ranya-bridge/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []LLMRequest
	reply    string
	err      error
	delay    time.Duration
}

func (p *fakeProvider) Provider() string { return "fake" }

func (p *fakeProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &LLMResponse{Content: p.reply, Usage: TokenUsage{InputTokens: 3, OutputTokens: 5}}, nil
}

func (p *fakeProvider) lastRequest() LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecutor_AppendsAnswer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	provider := &fakeProvider{reply: "Paris."}
	exec := NewExecutor(provider, s, Config{Model: "test-model", SystemPrompt: "be brief"}, zerolog.Nop())
	defer exec.Close(ctx)

	before := time.Now()
	_, err = s.InsertUserMessage(ctx, id, "Capital of France?", []string{"/tmp/map.png"})
	require.NoError(t, err)
	require.NoError(t, exec.ExecuteMessage(ctx, id, "Capital of France?", nil))

	res, err := observer.New(s).Await(ctx, id, before, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Paris.", res.Content)

	req := provider.lastRequest()
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "be brief", req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "[attachment: /tmp/map.png]")

	assert.Eventually(t, func() bool { return !s.IsExecuting(id) }, time.Second, 5*time.Millisecond)
}

func TestExecutor_ProviderErrorBecomesAnswer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	exec := NewExecutor(&fakeProvider{err: errors.New("rate limited")}, s, Config{}, zerolog.Nop())
	defer exec.Close(ctx)

	before := time.Now()
	require.NoError(t, exec.ExecuteMessage(ctx, id, "hi", nil))

	res, err := observer.New(s).Await(ctx, id, before, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Error: rate limited", res.Content)
}

func TestExecutor_MarksExecutingUntilDone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	exec := NewExecutor(&fakeProvider{reply: "ok", delay: 50 * time.Millisecond}, s, Config{}, zerolog.Nop())
	defer exec.Close(ctx)

	require.NoError(t, exec.ExecuteMessage(ctx, id, "hi", nil))
	assert.True(t, s.IsExecuting(id))
	assert.Eventually(t, func() bool { return !s.IsExecuting(id) }, 2*time.Second, 5*time.Millisecond)
}

func TestExecutor_CloseRejectsNewWork(t *testing.T) {
	s := newStore(t)
	exec := NewExecutor(&fakeProvider{reply: "ok"}, s, Config{}, zerolog.Nop())
	require.NoError(t, exec.Close(context.Background()))

	err := exec.ExecuteMessage(context.Background(), "c", "hi", nil)
	assert.Error(t, err)
}

func TestBuildMessages(t *testing.T) {
	e := &Executor{cfg: Config{HistoryLimit: 4}}
	history := []conversation.Message{
		{Role: conversation.RoleUser, Content: "dropped by limit"},
		{Role: conversation.RoleAssistant, Content: "orphan assistant"},
		{Role: conversation.RoleUser, Content: "one"},
		{Role: conversation.RoleUser, Content: "two"},
		{Role: conversation.RoleAssistant, Content: "", ToolCalls: `[{}]`},
	}

	out := e.buildMessages(history)
	require.Len(t, out, 1)
	assert.Equal(t, ChatMessage{Role: "user", Content: "one\n\ntwo"}, out[0])
}
