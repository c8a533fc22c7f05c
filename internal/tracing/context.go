package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the per-message trace ID
	TraceIDKey ContextKey = "trace_id"
	// ChannelKey is the context key for the originating channel kind
	ChannelKey ContextKey = "channel"
	// ChatIDKey is the context key for the external chat id
	ChatIDKey ContextKey = "chat_id"
	// ConversationIDKey is the context key for the resolved conversation
	ConversationIDKey ContextKey = "conversation_id"
)

// TraceContext holds tracing information for one inbound message.
type TraceContext struct {
	TraceID        string
	Channel        string
	ChatID         string
	ConversationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithChannel adds the channel kind to the context
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// WithChatID adds the external chat id to the context
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ChatIDKey, chatID)
}

// WithConversationID adds the conversation id to the context
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetChannel retrieves the channel kind from the context
func GetChannel(ctx context.Context) string { return stringValue(ctx, ChannelKey) }

// GetChatID retrieves the external chat id from the context
func GetChatID(ctx context.Context) string { return stringValue(ctx, ChatIDKey) }

// GetConversationID retrieves the conversation id from the context
func GetConversationID(ctx context.Context) string { return stringValue(ctx, ConversationIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:        GetTraceID(ctx),
		Channel:        GetChannel(ctx),
		ChatID:         GetChatID(ctx),
		ConversationID: GetConversationID(ctx),
	}
}

// NewMessageContext starts a trace for one inbound message.
func NewMessageContext(ctx context.Context, channel, chatID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithChannel(ctx, channel)
	return WithChatID(ctx, chatID)
}

// Logger returns logger enriched with the tracing fields present in ctx.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.ChatID != "" {
		lc = lc.Str("chat_id", tc.ChatID)
	}
	if tc.ConversationID != "" {
		lc = lc.Str("conversation_id", tc.ConversationID)
	}
	return lc.Logger()
}
