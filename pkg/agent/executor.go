package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/rs/zerolog"
)

// MessageLog is the part of the conversation store the executor writes to.
type MessageLog interface {
	Messages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	AppendMessage(ctx context.Context, m conversation.Message) (conversation.Message, error)
	SetExecuting(conversationID string, executing bool)
}

// Config holds executor settings.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	HistoryLimit int           // most recent messages sent to the provider, 0 for all
	Timeout      time.Duration // per provider call
}

// Executor implements conversation.Executor on top of an LLMProvider.
type Executor struct {
	provider LLMProvider
	log      MessageLog
	cfg      Config
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

var _ conversation.Executor = (*Executor)(nil)

// NewExecutor creates an executor writing answers into log.
func NewExecutor(provider LLMProvider, log MessageLog, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 4 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		provider: provider,
		log:      log,
		cfg:      cfg,
		logger:   logger.With().Str("component", "agent").Str("provider", provider.Provider()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ExecuteMessage marks the conversation executing and runs the provider in
// the background. The inbound message is expected to be in the log already.
func (e *Executor) ExecuteMessage(_ context.Context, conversationID, _ string, _ []string) error {
	e.mu.Lock()
	if err := e.ctx.Err(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("executor closed: %w", err)
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.SetExecuting(conversationID, true)
	go func() {
		defer e.wg.Done()
		defer e.log.SetExecuting(conversationID, false)
		e.run(conversationID)
	}()
	return nil
}

func (e *Executor) run(conversationID string) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	defer cancel()

	log := e.logger.With().Str("conversation_id", conversationID).Logger()
	started := time.Now()

	history, err := e.log.Messages(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load history")
		e.appendAnswer(ctx, conversationID, "Error: "+err.Error())
		return
	}

	resp, err := e.provider.Call(ctx, LLMRequest{
		Model:        e.cfg.Model,
		Messages:     e.buildMessages(history),
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
		SystemPrompt: e.cfg.SystemPrompt,
	})
	observability.RecordAgentRun(e.provider.Provider(), time.Since(started), err == nil)
	if err != nil {
		log.Error().Err(err).Msg("Provider call failed")
		e.appendAnswer(ctx, conversationID, "Error: "+err.Error())
		return
	}

	log.Info().
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Dur("duration", time.Since(started)).
		Msg("Agent run completed")
	e.appendAnswer(ctx, conversationID, resp.Content)
}

func (e *Executor) appendAnswer(ctx context.Context, conversationID, content string) {
	if _, err := e.log.AppendMessage(context.WithoutCancel(ctx), conversation.Message{
		ConversationID: conversationID,
		Role:           conversation.RoleAssistant,
		Content:        content,
	}); err != nil {
		e.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to store answer")
	}
}

// buildMessages converts the log into provider turns, merging consecutive
// turns of the same role and skipping tool steps.
func (e *Executor) buildMessages(history []conversation.Message) []ChatMessage {
	if e.cfg.HistoryLimit > 0 && len(history) > e.cfg.HistoryLimit {
		history = history[len(history)-e.cfg.HistoryLimit:]
	}

	var out []ChatMessage
	for _, m := range history {
		if m.HasToolCalls() || (m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant) {
			continue
		}
		text := m.Content
		for _, path := range m.Attachments {
			text += "\n[attachment: " + path + "]"
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == string(m.Role) {
			out[n-1].Content += "\n\n" + text
			continue
		}
		out = append(out, ChatMessage{Role: string(m.Role), Content: text})
	}

	// providers require the first turn to come from the user
	for len(out) > 0 && out[0].Role != RoleUser {
		out = out[1:]
	}
	return out
}

// Close cancels in-flight runs and waits for them to finish.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
