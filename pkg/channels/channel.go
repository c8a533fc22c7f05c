// Package channels holds the contract every messaging adapter implements
// and the inbound pipeline they share.
package channels

import (
	"context"
	"errors"
	"time"
)

// ChannelKind identifies an adapter instance.
type ChannelKind string

const (
	KindBotLongPoll        ChannelKind = "telegram"
	KindGatewaySocket      ChannelKind = "discord"
	KindSocketEvents       ChannelKind = "slack"
	KindFederationLongPoll ChannelKind = "matrix"
	KindWebhook            ChannelKind = "webhook"
	KindSelfHostedSocket   ChannelKind = "socket"
)

// AllKinds lists every supported kind in start order.
var AllKinds = []ChannelKind{
	KindBotLongPoll,
	KindGatewaySocket,
	KindSocketEvents,
	KindFederationLongPoll,
	KindWebhook,
	KindSelfHostedSocket,
}

func (k ChannelKind) String() string { return string(k) }

// ErrNotRunning is returned by operations that need a started channel.
var ErrNotRunning = errors.New("channel is not running")

// InboundMessage is a platform event normalized by an adapter.
type InboundMessage struct {
	ExternalChatID    string
	SenderID          string
	SenderName        string
	Text              string
	AttachmentPaths   []string
	ExternalMessageID string
}

// OutboundMessage is text to deliver to a chat.
type OutboundMessage struct {
	Content   string
	Timestamp time.Time
}

// Channel is one configured connection to a messaging platform.
type Channel interface {
	Kind() ChannelKind
	// Start establishes the transport and launches the receive loop. An error
	// means the channel did not start and no loop is running.
	Start(ctx context.Context) error
	// Stop releases every transport resource. Safe to call repeatedly and
	// after a failed Start.
	Stop(ctx context.Context) error
	IsRunning() bool
	// Broadcast sends msg to the last chat seen on this channel, if any.
	Broadcast(ctx context.Context, msg OutboundMessage) error
}

// Transport is the per-adapter outbound surface used by Base.
type Transport interface {
	// Send delivers one chunk that already fits MaxMessageLength.
	Send(ctx context.Context, chatID, text string) error
	MaxMessageLength() int
}

// TypingProber is implemented by transports that can show a typing indicator.
type TypingProber interface {
	SendTyping(ctx context.Context, chatID string) error
}
