// Package telegram implements the bot long-poll channel on top of the
// Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/cursor"
)

const (
	// MaxMessageLength is the Bot API limit for one text message.
	MaxMessageLength = 4096

	// OffsetCursorKey is where the next update offset is persisted.
	OffsetCursorKey = "telegram.offset"

	defaultPollTimeout = 30
)

// Options configures a Bot.
type Options struct {
	Token string
	// APIEndpoint is a printf pattern taking the token and method, as in
	// tgbotapi.APIEndpoint.
	APIEndpoint    string
	PollTimeout    int // seconds
	MediaDir       string
	HTTPClient     *http.Client
	Cursors        cursor.Store
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Bot is the Telegram channel.
type Bot struct {
	*channels.Base

	opts    Options
	api     *tgbotapi.BotAPI
	media   *Media
	offset  int
	backoff *channels.Backoff
}

// New creates a Telegram channel. It does not touch the network until Start.
func New(opts Options, deps channels.Deps) (*Bot, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.HTTPClient == nil {
		// Long poll plus slack for the round trip.
		opts.HTTPClient = &http.Client{Timeout: time.Duration(opts.PollTimeout+15) * time.Second}
	}
	if opts.Cursors == nil {
		opts.Cursors = cursor.NewMemoryStore()
	}

	b := &Bot{
		opts:    opts,
		backoff: channels.NewBackoff(opts.BackoffInitial, opts.BackoffMax),
	}
	b.Base = channels.NewBase(channels.KindBotLongPoll, deps, b)
	return b, nil
}

// Start authenticates with getMe, restores the update offset and launches
// the poll loop.
func (b *Bot) Start(ctx context.Context) error {
	if b.IsRunning() {
		return fmt.Errorf("telegram: already running")
	}

	api, err := tgbotapi.NewBotAPIWithClient(b.opts.Token, b.opts.APIEndpoint, b.opts.HTTPClient)
	if err != nil {
		return fmt.Errorf("telegram: failed to authenticate: %w", err)
	}
	b.api = api
	b.media = NewMedia(api, b.opts.HTTPClient, fileEndpoint(b.opts.APIEndpoint), b.opts.MediaDir)

	raw, ok, err := b.opts.Cursors.Load(ctx, OffsetCursorKey)
	if err != nil {
		return fmt.Errorf("telegram: failed to load offset: %w", err)
	}
	if ok {
		if b.offset, err = strconv.Atoi(raw); err != nil {
			b.Logger().Warn().Str("offset", raw).Msg("Ignoring malformed stored offset")
			b.offset = 0
		}
	}

	b.Logger().Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Int("offset", b.offset).
		Msg("Telegram bot authenticated")

	runCtx := b.MarkStarted(ctx)
	b.Connected()
	b.Go(runCtx, b.pollLoop)
	return nil
}

// Stop ends the poll loop and waits for in-flight messages.
func (b *Bot) Stop(ctx context.Context) error {
	return b.Shutdown(ctx)
}

// pollLoop retries failed polls from the same offset; the first success
// after a failure clears the recorded error.
func (b *Bot) pollLoop(ctx context.Context) {
	failing := false
	for ctx.Err() == nil {
		updates, err := b.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failing = true
			b.ReportError(err)
			if b.backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		if failing {
			failing = false
			b.Connected()
		}
		b.backoff.Reset()
		b.handleBatch(ctx, updates)
	}
}

type pollResult struct {
	updates []tgbotapi.Update
	err     error
}

// poll runs one getUpdates call. The Bot API client takes no context, so the
// call runs aside and is abandoned on cancellation.
func (b *Bot) poll(ctx context.Context) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(b.offset)
	cfg.Timeout = b.opts.PollTimeout

	done := make(chan pollResult, 1)
	go func() {
		updates, err := b.api.GetUpdates(cfg)
		done <- pollResult{updates, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.updates, r.err
	}
}

func (b *Bot) handleBatch(ctx context.Context, updates []tgbotapi.Update) {
	if len(updates) == 0 {
		return
	}
	next := b.offset
	for _, update := range updates {
		if update.UpdateID+1 > next {
			next = update.UpdateID + 1
		}
		if update.Message == nil {
			continue
		}
		b.handleMessage(ctx, update.Message)
	}

	b.offset = next
	if err := b.opts.Cursors.Save(ctx, OffsetCursorKey, strconv.Itoa(next)); err != nil {
		b.Logger().Warn().Err(err).Msg("Failed to persist update offset")
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !b.Admit(ctx, senderID) {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	var attachments []string
	for _, ref := range mediaRefs(msg) {
		path, err := b.media.Download(ctx, ref)
		if err != nil {
			b.Logger().Warn().Err(err).Str("file_id", ref.FileID).Msg("Failed to download attachment")
			continue
		}
		attachments = append(attachments, path)
	}

	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return
	}

	name := msg.From.UserName
	if name == "" {
		name = msg.From.FirstName
	}

	b.Receive(ctx, channels.InboundMessage{
		ExternalChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:          senderID,
		SenderName:        name,
		Text:              text,
		AttachmentPaths:   attachments,
		ExternalMessageID: strconv.Itoa(msg.MessageID),
	})
}

// Send delivers one text chunk.
func (b *Bot) Send(_ context.Context, chatID, text string) error {
	if b.api == nil {
		return channels.ErrNotRunning
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	b.Logger().Debug().Int64("chat_id", id).Msg("Message sent")
	return nil
}

// SendTyping shows the typing chat action.
func (b *Bot) SendTyping(_ context.Context, chatID string) error {
	if b.api == nil {
		return channels.ErrNotRunning
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	_, err = b.api.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

func (b *Bot) MaxMessageLength() int { return MaxMessageLength }

// fileEndpoint derives the file download pattern from an API pattern such
// as https://host/bot%s/%s.
func fileEndpoint(apiEndpoint string) string {
	if apiEndpoint == tgbotapi.APIEndpoint {
		return tgbotapi.FileEndpoint
	}
	if i := strings.LastIndex(apiEndpoint, "/bot%s/%s"); i >= 0 {
		return apiEndpoint[:i] + "/file/bot%s/%s"
	}
	return tgbotapi.FileEndpoint
}
