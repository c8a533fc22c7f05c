package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/internal/tracing"
	"github.com/harun/ranya-bridge/pkg/access"
	"github.com/harun/ranya-bridge/pkg/chunker"
	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/harun/ranya-bridge/pkg/observer"
	"github.com/harun/ranya-bridge/pkg/state"
	"github.com/rs/zerolog"
)

const (
	ClearCommand      = "/clear"
	ClearConfirmation = "New conversation started."

	DefaultTypingInterval  = 4 * time.Second
	DefaultResponseTimeout = 5 * time.Minute
)

// Awaiter waits for the agent's answer to a conversation.
type Awaiter interface {
	Await(ctx context.Context, conversationID string, after time.Time, timeout time.Duration) (observer.Result, error)
}

// Deps are the process-wide collaborators shared by every channel.
type Deps struct {
	Mapper          *conversation.Mapper
	Store           conversation.Store
	Executor        conversation.Executor
	Observer        Awaiter
	Tracker         *state.Tracker
	Access          *access.Controller
	Logger          zerolog.Logger
	TypingInterval  time.Duration
	ResponseTimeout time.Duration
}

// Base implements the parts of Channel that do not depend on the transport:
// lifecycle bookkeeping, the inbound pipeline, typing indicators and
// broadcast. Adapters embed it and supply a Transport.
type Base struct {
	kind      ChannelKind
	deps      Deps
	transport Transport
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBase wires a channel of kind to deps, sending through transport.
func NewBase(kind ChannelKind, deps Deps, transport Transport) *Base {
	if deps.TypingInterval == 0 {
		deps.TypingInterval = DefaultTypingInterval
	}
	if deps.ResponseTimeout == 0 {
		deps.ResponseTimeout = DefaultResponseTimeout
	}
	return &Base{
		kind:      kind,
		deps:      deps,
		transport: transport,
		logger:    deps.Logger.With().Str("channel", string(kind)).Logger(),
		now:       time.Now,
	}
}

// Kind returns the channel kind.
func (b *Base) Kind() ChannelKind { return b.kind }

// IsRunning reports whether the channel has started and not yet stopped.
func (b *Base) IsRunning() bool { return b.running.Load() }

// Logger returns the channel-scoped logger.
func (b *Base) Logger() *zerolog.Logger { return &b.logger }

// MarkStarted is called by an adapter once its transport is established.
// The returned context lives until Shutdown and parents every task started
// through Go.
func (b *Base) MarkStarted(ctx context.Context) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running.Store(true)
	if b.deps.Tracker != nil {
		b.deps.Tracker.Start(string(b.kind))
	}
	observability.SetChannelUp(string(b.kind), true)
	b.logger.Info().Msg("Channel started")
	return runCtx
}

// Go runs fn on a tracked goroutine that Shutdown waits for.
func (b *Base) Go(ctx context.Context, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

// Shutdown cancels every task started through Go and waits for them, up to
// ctx's deadline. It is idempotent.
func (b *Base) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%s: timed out waiting for tasks: %w", b.kind, ctx.Err())
	}

	b.running.Store(false)
	if b.deps.Tracker != nil {
		b.deps.Tracker.Remove(string(b.kind))
	}
	observability.SetChannelUp(string(b.kind), false)
	b.logger.Info().Msg("Channel stopped")
	return err
}

// Connected records a successful (re)connection of the transport.
func (b *Base) Connected() {
	if b.deps.Tracker != nil {
		b.deps.Tracker.Connected(string(b.kind))
	}
}

// ReportError records a transport error raised inside a receive loop.
func (b *Base) ReportError(err error) {
	if err == nil {
		return
	}
	b.logger.Warn().Err(err).Msg("Transport error")
	observability.RecordTransportError(string(b.kind))
	if b.deps.Tracker != nil {
		b.deps.Tracker.RecordError(string(b.kind), err)
	}
}

// Halt marks the channel stopped after its receive loop hit an unrecoverable
// error. Unlike Shutdown it keeps the tracker entry, carrying err.
func (b *Base) Halt(err error) {
	if !b.running.Swap(false) {
		return
	}
	b.logger.Error().Err(err).Msg("Transport stopped")
	if b.deps.Tracker != nil {
		b.deps.Tracker.Stopped(string(b.kind), err)
	}
	observability.SetChannelUp(string(b.kind), false)
}

// Reconnecting records that the receive loop is about to re-establish its
// transport.
func (b *Base) Reconnecting() {
	b.logger.Debug().Msg("Reconnecting")
	observability.RecordReconnect(string(b.kind))
}

// Admit applies the channel's allow-list to sender.
func (b *Base) Admit(ctx context.Context, sender string) bool {
	if b.deps.Access == nil || b.deps.Access.Allowed(string(b.kind), sender) {
		return true
	}
	b.logger.Debug().Str("sender", sender).Msg("Sender not in allow-list, dropping message")
	observability.RecordDropped(string(b.kind), "access_denied")
	observability.RecordAccessDenied(ctx, string(b.kind), sender)
	return false
}

// Receive hands msg to the pipeline on its own goroutine. Adapters call it
// after Admit.
func (b *Base) Receive(ctx context.Context, msg InboundMessage) {
	observability.RecordInbound(string(b.kind))
	b.Go(ctx, func(ctx context.Context) {
		b.handleInbound(ctx, msg)
	})
}

// Broadcast sends msg to the last chat seen on this channel.
func (b *Base) Broadcast(ctx context.Context, msg OutboundMessage) error {
	if !b.IsRunning() {
		return ErrNotRunning
	}
	chatID, ok := b.deps.Mapper.LastChat(string(b.kind))
	if !ok {
		return nil
	}
	return b.SendText(ctx, chatID, msg.Content)
}

// SendText delivers text to chatID, split to the transport's length limit.
func (b *Base) SendText(ctx context.Context, chatID, text string) error {
	for i, chunk := range chunker.Split(text, b.transport.MaxMessageLength()) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if err := b.transport.Send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("send chunk %d: %w", i+1, err)
		}
	}
	return nil
}

func isClearCommand(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), ClearCommand)
}

// stageError tags a pipeline failure with where it happened.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

func (b *Base) handleInbound(ctx context.Context, msg InboundMessage) {
	ctx = tracing.NewMessageContext(ctx, string(b.kind), msg.ExternalChatID)
	log := tracing.Logger(ctx, b.logger)
	received := b.now()

	b.deps.Mapper.SetLastChat(string(b.kind), msg.ExternalChatID)

	if isClearCommand(msg.Text) {
		if _, err := b.deps.Mapper.CreateNewConversation(ctx); err != nil {
			b.replyError(ctx, log, msg.ExternalChatID, &stageError{"store", err})
			return
		}
		log.Info().Msg("Conversation cleared")
		if err := b.SendText(ctx, msg.ExternalChatID, ClearConfirmation); err != nil {
			log.Warn().Err(err).Msg("Failed to send clear confirmation")
		}
		return
	}

	result, err := b.process(ctx, msg)
	if err == nil {
		if sendErr := b.SendText(ctx, msg.ExternalChatID, result.Content); sendErr != nil {
			err = &stageError{"send", sendErr}
		}
	}
	if err != nil {
		observability.RecordReply(string(b.kind), 0, false)
		b.replyError(ctx, log, msg.ExternalChatID, err)
		return
	}

	if b.deps.Tracker != nil {
		b.deps.Tracker.RecordMessage(string(b.kind))
	}
	observability.RecordReply(string(b.kind), b.now().Sub(received), true)
	log.Debug().Str("outcome", string(result.Outcome)).Msg("Reply delivered")
}

func (b *Base) process(ctx context.Context, msg InboundMessage) (observer.Result, error) {
	before := b.now()

	conversationID, err := b.deps.Mapper.ResolveConversationID(ctx)
	if err != nil {
		return observer.Result{}, &stageError{"store", err}
	}
	ctx = tracing.WithConversationID(ctx, conversationID)

	if _, err := b.deps.Store.InsertUserMessage(ctx, conversationID, msg.Text, msg.AttachmentPaths); err != nil {
		return observer.Result{}, &stageError{"store", fmt.Errorf("insert message: %w", err)}
	}
	if err := b.deps.Executor.ExecuteMessage(ctx, conversationID, msg.Text, msg.AttachmentPaths); err != nil {
		return observer.Result{}, &stageError{"executor", fmt.Errorf("execute: %w", err)}
	}

	stopTyping := b.startTyping(ctx, msg.ExternalChatID)
	defer stopTyping()

	result, err := b.deps.Observer.Await(ctx, conversationID, before, b.deps.ResponseTimeout)
	if err != nil {
		stage := "observer"
		if errors.Is(err, observer.ErrTimeout) {
			stage = "observer_timeout"
			observability.RecordObserverOutcome("timeout")
		} else {
			observability.RecordObserverOutcome("error")
		}
		return observer.Result{}, &stageError{stage, err}
	}
	observability.RecordObserverOutcome(string(result.Outcome))
	return result, nil
}

func (b *Base) replyError(ctx context.Context, log zerolog.Logger, chatID string, err error) {
	stage := stageOf(err)
	log.Error().Err(err).Str("stage", stage).Msg("Inbound message failed")
	observability.RecordPipelineError(string(b.kind), stage)
	if b.deps.Tracker != nil {
		b.deps.Tracker.RecordError(string(b.kind), err)
	}

	if sendErr := b.SendText(ctx, chatID, "Error: "+err.Error()); sendErr != nil {
		log.Warn().Err(sendErr).Msg("Dropping error reply")
	}
}
