// Package matrix implements the federation long-poll channel against the
// Matrix client-server API.
package matrix

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/cursor"
)

const (
	// MaxMessageLength bounds one m.text body.
	MaxMessageLength = 16000

	// SinceCursorKey is where the next-batch token is persisted.
	SinceCursorKey = "matrix.since"

	defaultSyncTimeout = 30 * time.Second
	typingTimeout      = 10 * time.Second
)

// Options configures a Channel.
type Options struct {
	HomeserverURL  string
	AccessToken    string
	SyncTimeout    time.Duration
	HTTPClient     *http.Client
	Cursors        cursor.Store
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Channel is the Matrix adapter.
type Channel struct {
	*channels.Base

	opts    Options
	client  *Client
	backoff *channels.Backoff
	userID  string
	since   string
}

// New creates a Matrix channel.
func New(opts Options, deps channels.Deps) (*Channel, error) {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.SyncTimeout + 30*time.Second}
	}
	if opts.Cursors == nil {
		opts.Cursors = cursor.NewMemoryStore()
	}
	client, err := NewClient(opts.HomeserverURL, opts.AccessToken, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		opts:    opts,
		client:  client,
		backoff: channels.NewBackoff(opts.BackoffInitial, opts.BackoffMax),
	}
	c.Base = channels.NewBase(channels.KindFederationLongPoll, deps, c)
	return c, nil
}

// Start resolves the bot's own user id, establishes the sync token and
// launches the sync loop.
func (c *Channel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return fmt.Errorf("matrix: already running")
	}

	userID, err := c.client.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("matrix: %w", err)
	}
	c.userID = userID

	since, ok, err := c.opts.Cursors.Load(ctx, SinceCursorKey)
	if err != nil {
		return fmt.Errorf("matrix: failed to load sync token: %w", err)
	}
	if !ok || since == "" {
		// Skip history: the first sync only yields a token.
		resp, err := c.client.Sync(ctx, "", 0)
		if err != nil {
			return fmt.Errorf("matrix: bootstrap %w", err)
		}
		since = resp.NextBatch
		c.saveSince(ctx, since)
	}
	c.since = since

	c.Logger().Info().Str("user_id", userID).Msg("Matrix session authenticated")

	runCtx := c.MarkStarted(ctx)
	c.Connected()
	c.Go(runCtx, c.syncLoop)
	return nil
}

// Stop ends the sync loop and waits for in-flight messages.
func (c *Channel) Stop(ctx context.Context) error {
	return c.Shutdown(ctx)
}

// syncLoop retries failed syncs from the same token. A revoked access token
// halts the channel.
func (c *Channel) syncLoop(ctx context.Context) {
	failing := false
	for ctx.Err() == nil {
		resp, err := c.client.Sync(ctx, c.since, c.opts.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsError(err, ErrCodeUnknownToken) {
				c.Halt(err)
				return
			}
			failing = true
			c.ReportError(err)
			if c.backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		if failing {
			failing = false
			c.Connected()
		}
		c.backoff.Reset()
		c.handleSync(ctx, resp)

		if resp.NextBatch != "" && resp.NextBatch != c.since {
			c.since = resp.NextBatch
			c.saveSince(ctx, c.since)
		}
	}
}

func (c *Channel) saveSince(ctx context.Context, since string) {
	if err := c.opts.Cursors.Save(ctx, SinceCursorKey, since); err != nil {
		c.Logger().Warn().Err(err).Msg("Failed to persist sync token")
	}
}

func (c *Channel) handleSync(ctx context.Context, resp *SyncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			msg, ok := c.normalize(roomID, ev)
			if !ok {
				continue
			}
			if !c.Admit(ctx, msg.SenderID) {
				continue
			}
			c.Receive(ctx, msg)
		}
	}
}

func (c *Channel) normalize(roomID string, ev Event) (channels.InboundMessage, bool) {
	if ev.Type != "m.room.message" || ev.Sender == c.userID {
		return channels.InboundMessage{}, false
	}
	if msgType, _ := ev.Content["msgtype"].(string); msgType != "m.text" {
		return channels.InboundMessage{}, false
	}
	body, _ := ev.Content["body"].(string)
	if body == "" {
		return channels.InboundMessage{}, false
	}
	return channels.InboundMessage{
		ExternalChatID:    roomID,
		SenderID:          ev.Sender,
		SenderName:        ev.Sender,
		Text:              body,
		ExternalMessageID: ev.EventID,
	}, true
}

// Send posts one chunk to a room.
func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	_, err := c.client.SendText(ctx, chatID, text)
	return err
}

// SendTyping marks the bot as typing in a room.
func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	if c.userID == "" {
		return channels.ErrNotRunning
	}
	return c.client.Typing(ctx, chatID, c.userID, typingTimeout)
}

func (c *Channel) MaxMessageLength() int { return MaxMessageLength }
