// Package discord implements the gateway socket channel: a websocket
// connection to the Discord gateway for inbound events and the REST API for
// replies.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/harun/ranya-bridge/pkg/channels"
)

const (
	// MaxMessageLength is the Discord content limit.
	MaxMessageLength = 2000

	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	defaultStartTimeout = 30 * time.Second
)

// RESTClient is the subset of the discordgo session used for outbound calls.
type RESTClient interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Options configures a Channel.
type Options struct {
	Token          string
	GatewayURL     string
	Dialer         *websocket.Dialer
	REST           RESTClient
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StartTimeout bounds how long Start waits for READY.
	StartTimeout time.Duration
}

// Channel is the Discord adapter.
type Channel struct {
	*channels.Base

	opts    Options
	rest    RESTClient
	backoff *channels.Backoff

	seq       atomic.Int64
	mu        sync.RWMutex
	botUserID string
	// startup receives the outcome of the first session; nil once reported.
	startup chan error
}

// New creates a Discord channel.
func New(opts Options, deps channels.Deps) (*Channel, error) {
	if opts.GatewayURL == "" {
		opts.GatewayURL = DefaultGatewayURL
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	c := &Channel{
		opts:    opts,
		rest:    opts.REST,
		backoff: channels.NewBackoff(opts.BackoffInitial, opts.BackoffMax),
	}
	c.Base = channels.NewBase(channels.KindGatewaySocket, deps, c)
	return c, nil
}

// Start validates the token, launches the connection loop and waits for the
// first READY. A session that fails before READY fails Start.
func (c *Channel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return fmt.Errorf("discord: already running")
	}
	if c.opts.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	if c.rest == nil {
		session, err := discordgo.New("Bot " + c.opts.Token)
		if err != nil {
			return fmt.Errorf("discord: failed to create REST session: %w", err)
		}
		c.rest = session
	}

	startup := make(chan error, 1)
	c.mu.Lock()
	c.startup = startup
	c.mu.Unlock()

	runCtx := c.MarkStarted(ctx)
	c.Go(runCtx, c.connectLoop)

	timer := time.NewTimer(c.opts.StartTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-startup:
		if err == nil {
			return nil
		}
		err = fmt.Errorf("discord: gateway handshake failed: %w", err)
	case <-ctx.Done():
		err = fmt.Errorf("discord: start canceled: %w", ctx.Err())
	case <-timer.C:
		err = fmt.Errorf("discord: no READY within %s", c.opts.StartTimeout)
	}
	c.signalStartup(err)
	_ = c.Shutdown(context.Background())
	return err
}

// signalStartup reports the first session's outcome to a waiting Start. It
// returns false once the outcome was already reported.
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

// Stop closes the gateway connection and waits for in-flight messages.
func (c *Channel) Stop(ctx context.Context) error {
	return c.Shutdown(ctx)
}

func (c *Channel) connectLoop(ctx context.Context) {
	for ctx.Err() == nil {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			err = errors.New("gateway session ended")
		}
		if c.signalStartup(err) {
			return
		}

		var terminal *TerminalError
		if errors.As(err, &terminal) {
			c.Logger().Error().Int("code", terminal.Code).Msg("Gateway closed permanently, not reconnecting")
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

// runSession holds one gateway connection until it fails or ctx ends.
func (c *Channel) runSession(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { _ = conn.Close() })
	defer stop()

	var ev discordgo.Event
	if err := conn.ReadJSON(&ev); err != nil {
		return classifyReadError(err)
	}
	hello, err := decodeHello(&ev)
	if err != nil {
		return err
	}

	var writeMu sync.Mutex
	write := func(f outboundFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	var acked atomic.Bool
	var zombie atomic.Bool
	acked.Store(true)

	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		c.heartbeat(sessCtx, time.Duration(hello.HeartbeatInterval)*time.Millisecond, &acked, &zombie, write, conn)
	}()
	defer hbWG.Wait()
	defer cancel()

	// Every session identifies fresh, so sequence numbers restart.
	c.seq.Store(0)
	if err := write(identifyFrame(c.opts.Token)); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	for {
		var ev discordgo.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if zombie.Load() {
				return errZombieConnection
			}
			return classifyReadError(err)
		}
		if ev.Sequence != 0 {
			c.seq.Store(ev.Sequence)
		}

		switch ev.Operation {
		case opDispatch:
			c.handleDispatch(ctx, &ev)
		case opHeartbeat:
			if err := write(heartbeatFrame(c.seq.Load())); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}
		case opHeartbeatAck:
			acked.Store(true)
		case opReconnect:
			return errReconnectRequested
		case opInvalidSession:
			c.seq.Store(0)
			return errInvalidSession
		}
	}
}

// heartbeat sends op 1 every interval, the first after a random fraction of
// it. A beat due while the previous one is unacknowledged closes conn.
func (c *Channel) heartbeat(ctx context.Context, interval time.Duration, acked, zombie *atomic.Bool, write func(outboundFrame) error, conn *websocket.Conn) {
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !acked.Swap(false) {
			c.Logger().Warn().Msg("Heartbeat not acknowledged, reconnecting")
			zombie.Store(true)
			_ = conn.Close()
			return
		}
		if err := write(heartbeatFrame(c.seq.Load())); err != nil {
			return
		}
		timer.Reset(interval)
	}
}

func (c *Channel) handleDispatch(ctx context.Context, ev *discordgo.Event) {
	switch ev.Type {
	case "READY":
		var ready discordgo.Ready
		if err := json.Unmarshal(ev.RawData, &ready); err != nil {
			c.ReportError(fmt.Errorf("failed to decode READY: %w", err))
			return
		}
		if ready.User != nil {
			c.mu.Lock()
			c.botUserID = ready.User.ID
			c.mu.Unlock()
			c.Logger().Info().Str("user", ready.User.Username).Msg("Discord gateway ready")
		}
		c.backoff.Reset()
		c.Connected()
		c.signalStartup(nil)

	case "MESSAGE_CREATE":
		var msg discordgo.Message
		if err := json.Unmarshal(ev.RawData, &msg); err != nil {
			c.ReportError(fmt.Errorf("failed to decode MESSAGE_CREATE: %w", err))
			return
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Channel) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	c.mu.RLock()
	self := c.botUserID
	c.mu.RUnlock()
	if m.Author.ID == self {
		return
	}
	if !c.Admit(ctx, m.Author.ID) {
		return
	}

	var attachments []string
	for _, att := range m.Attachments {
		if att != nil && att.URL != "" {
			attachments = append(attachments, att.URL)
		}
	}
	if m.Content == "" && len(attachments) == 0 {
		return
	}

	c.Receive(ctx, channels.InboundMessage{
		ExternalChatID:    m.ChannelID,
		SenderID:          m.Author.ID,
		SenderName:        m.Author.Username,
		Text:              m.Content,
		AttachmentPaths:   attachments,
		ExternalMessageID: m.ID,
	})
}

// Send posts one chunk to a channel.
func (c *Channel) Send(_ context.Context, chatID, text string) error {
	if c.rest == nil {
		return channels.ErrNotRunning
	}
	if _, err := c.rest.ChannelMessageSend(chatID, text); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

// SendTyping triggers the typing indicator in a channel.
func (c *Channel) SendTyping(_ context.Context, chatID string) error {
	if c.rest == nil {
		return channels.ErrNotRunning
	}
	return c.rest.ChannelTyping(chatID)
}

func (c *Channel) MaxMessageLength() int { return MaxMessageLength }
