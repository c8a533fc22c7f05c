// Package slack implements the socket-events channel using Slack socket
// mode for inbound events and the Web API for replies.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-bridge/pkg/channels"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	// MaxMessageLength keeps chat.postMessage text under Slack's block limit.
	MaxMessageLength = 4000

	// DefaultAPIURL is the Slack Web API base.
	DefaultAPIURL = "https://slack.com/api/"

	defaultStartTimeout = 30 * time.Second
)

// Web API errors that no reconnect can fix.
var fatalAuthErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
}

// Options configures a Channel.
type Options struct {
	AppToken       string
	BotToken       string
	APIURL         string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StartTimeout bounds how long Start waits for the first socket
	// connection.
	StartTimeout time.Duration
}

// Channel is the Slack adapter.
type Channel struct {
	*channels.Base

	opts    Options
	api     *slackapi.Client
	socket  *socketmode.Client
	backoff *channels.Backoff

	mu        sync.Mutex
	botUserID string
	startup   chan error
}

// New creates a Slack channel. It does not touch the network until Start.
func New(opts Options, deps channels.Deps) (*Channel, error) {
	if opts.AppToken == "" || opts.BotToken == "" {
		return nil, fmt.Errorf("slack app token and bot token are required")
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if !strings.HasSuffix(opts.APIURL, "/") {
		opts.APIURL += "/"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}

	api := slackapi.New(opts.BotToken,
		slackapi.OptionAppLevelToken(opts.AppToken),
		slackapi.OptionAPIURL(opts.APIURL),
		slackapi.OptionHTTPClient(opts.HTTPClient),
	)
	c := &Channel{
		opts:    opts,
		api:     api,
		socket:  socketmode.New(api, socketmode.OptionDialer(opts.Dialer)),
		backoff: channels.NewBackoff(opts.BackoffInitial, opts.BackoffMax),
	}
	c.Base = channels.NewBase(channels.KindSocketEvents, deps, c)
	return c, nil
}

// Start learns the bot user id with auth.test, then opens the socket mode
// connection and waits until it is established.
func (c *Channel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return fmt.Errorf("slack: already running")
	}

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth.test failed: %w", err)
	}

	startup := make(chan error, 1)
	c.mu.Lock()
	c.botUserID = auth.UserID
	c.startup = startup
	c.mu.Unlock()

	c.Logger().Info().Str("bot_user_id", auth.UserID).Str("team", auth.Team).Msg("Slack bot authenticated")

	runCtx := c.MarkStarted(ctx)
	c.Go(runCtx, c.socketLoop)

	timer := time.NewTimer(c.opts.StartTimeout)
	defer timer.Stop()

	select {
	case err = <-startup:
		if err == nil {
			return nil
		}
		err = fmt.Errorf("slack: socket mode failed: %w", err)
	case <-ctx.Done():
		err = fmt.Errorf("slack: start canceled: %w", ctx.Err())
	case <-timer.C:
		err = fmt.Errorf("slack: socket not connected within %s", c.opts.StartTimeout)
	}
	c.signalStartup(err)
	_ = c.Shutdown(context.Background())
	return err
}

// Stop closes the socket and waits for in-flight messages.
func (c *Channel) Stop(ctx context.Context) error {
	return c.Shutdown(ctx)
}

func (c *Channel) signalStartup(err error) bool {
	c.mu.Lock()
	ch := c.startup
	c.startup = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- err
	return true
}

// socketLoop runs the socket mode client until ctx ends. The client retries
// transient dial errors itself; it returns only on fatal errors or a dropped
// session, which are retried here after a backoff unless auth was rejected.
func (c *Channel) socketLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	// The client blocks on Events, so keep draining until it has returned.
	c.Go(ctx, func(ctx context.Context) { c.consumeEvents(ctx, done) })

	for ctx.Err() == nil {
		err := c.socket.RunContext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("socket mode session ended")
		}
		if c.signalStartup(err) {
			return
		}
		if isFatalAuth(err) {
			c.Halt(err)
			return
		}
		c.ReportError(err)
		c.Reconnecting()
		if c.backoff.Wait(ctx) != nil {
			return
		}
	}
}

func (c *Channel) consumeEvents(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case evt := <-c.socket.Events:
			c.handleEvent(ctx, evt)
		}
	}
}

func (c *Channel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		c.Logger().Debug().Msg("Socket mode connecting")
	case socketmode.EventTypeConnected:
		c.Logger().Debug().Msg("Socket mode connected")
		c.backoff.Reset()
		c.Connected()
		c.signalStartup(nil)
	case socketmode.EventTypeConnectionError:
		switch ev := evt.Data.(type) {
		case slackapi.ConnectionErrorEvent:
			c.ReportError(ev.ErrorObj)
		case *slackapi.ConnectionErrorEvent:
			c.ReportError(ev.ErrorObj)
		}
		c.Reconnecting()
	case socketmode.EventTypeIncomingError:
		if err, ok := evt.Data.(error); ok {
			c.ReportError(err)
		}
	case socketmode.EventTypeDisconnect:
		c.Logger().Info().Msg("Socket mode disconnect requested")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || payload.Type != slackevents.CallbackEvent {
			return
		}
		if msg, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.SubType != "" || ev.User == "" {
		return
	}
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()
	if ev.User == self {
		return
	}
	if !c.Admit(ctx, ev.User) {
		return
	}

	c.Receive(ctx, channels.InboundMessage{
		ExternalChatID:    ev.Channel,
		SenderID:          ev.User,
		SenderName:        ev.User,
		Text:              ev.Text,
		ExternalMessageID: ev.TimeStamp,
	})
}

// Send posts one chunk with chat.postMessage.
func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	if _, _, err := c.api.PostMessageContext(ctx, chatID, slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}

func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

func isFatalAuth(err error) bool {
	var apiErr slackapi.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return fatalAuthErrors[apiErr.Err]
	}
	return fatalAuthErrors[err.Error()]
}
