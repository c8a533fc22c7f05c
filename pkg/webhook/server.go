// Package webhook implements the webhook receiver channel: signed JSON
// POSTs in, signed callback POSTs out.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/pkg/channels"
)

const (
	// MaxMessageLength bounds one callback content field.
	MaxMessageLength = 4000

	// MaxBodySize caps inbound request bodies.
	MaxBodySize = 1 << 20

	DefaultPath            = "/webhook"
	DefaultSignatureHeader = "X-Signature-256"

	shutdownTimeout = 5 * time.Second
	cleanupInterval = 5 * time.Minute
)

// Options configures a Channel.
type Options struct {
	ListenAddr         string
	Path               string
	Secret             string
	SignatureHeader    string
	CallbackURL        string
	RateLimitPerMinute int
	HTTPClient         *http.Client
}

// Channel is the webhook adapter.
type Channel struct {
	*channels.Base

	opts    Options
	limiter *RateLimiter
	client  *http.Client

	mu       sync.Mutex
	listener net.Listener
	runCtx   context.Context
}

// callbackPayload is POSTed to the callback URL for every outbound chunk.
type callbackPayload struct {
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// New creates a webhook channel.
func New(opts Options, deps channels.Deps) (*Channel, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = DefaultSignatureHeader
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Channel{
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimitPerMinute),
		client:  opts.HTTPClient,
	}
	c.Base = channels.NewBase(channels.KindWebhook, deps, c)
	return c, nil
}

// Start binds the listener and begins serving.
func (c *Channel) Start(ctx context.Context) error {
	if c.IsRunning() {
		return fmt.Errorf("webhook: already running")
	}

	ln, err := net.Listen("tcp", c.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("webhook: failed to listen on %s: %w", c.opts.ListenAddr, err)
	}

	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx := c.MarkStarted(ctx)
	c.mu.Lock()
	c.listener = ln
	c.runCtx = runCtx
	c.mu.Unlock()

	c.Logger().Info().Str("addr", ln.Addr().String()).Str("path", c.opts.Path).Msg("Webhook server listening")
	c.Connected()

	c.Go(runCtx, func(ctx context.Context) { c.serve(ctx, server, ln) })
	c.Go(runCtx, c.cleanupLoop)
	return nil
}

// Stop shuts down the HTTP server and waits for in-flight messages.
func (c *Channel) Stop(ctx context.Context) error {
	return c.Shutdown(ctx)
}

// Addr returns the bound listen address, or nil before Start.
func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Channel) serve(ctx context.Context, server *http.Server, ln net.Listener) {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.Logger().Warn().Err(err).Msg("Webhook server shutdown incomplete")
		}
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.ReportError(fmt.Errorf("webhook server stopped: %w", err))
		}
	}
}

func (c *Channel) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.limiter.Cleanup()
		}
	}
}

// Handler returns the HTTP routes of the receiver.
func (c *Channel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc(c.opts.Path, c.handleWebhook)
	return mux
}

func (c *Channel) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": c.IsRunning()})
}

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !c.limiter.CheckLimit(ip) {
		retryAfter := int((c.limiter.RetryAfter(ip) + time.Second - 1) / time.Second)
		c.Logger().Warn().Str("ip", ip).Int("retry_after", retryAfter).Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !verifySignature(body, r.Header.Get(c.opts.SignatureHeader), c.opts.Secret) {
		c.Logger().Warn().Str("ip", ip).Msg("Invalid webhook signature")
		observability.RecordSecurityAudit(r.Context(), string(c.Kind()), "webhook_signature", ip, "denied", nil)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	payload, err := parsePayload(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	c.mu.Lock()
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	sender := payload.SenderID
	if sender == "" {
		sender = payload.ChatID
	}
	if !c.Admit(runCtx, sender) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	c.Receive(runCtx, channels.InboundMessage{
		ExternalChatID:    payload.ChatID,
		SenderID:          sender,
		SenderName:        payload.SenderName,
		Text:              payload.Text,
		AttachmentPaths:   payload.Attachments,
		ExternalMessageID: payload.MessageID,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Send POSTs one chunk to the callback URL, signed like inbound requests.
func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	if c.opts.CallbackURL == "" {
		return fmt.Errorf("webhook: no callback_url configured")
	}
	body, err := json.Marshal(callbackPayload{
		ChatID:    chatID,
		Content:   text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.opts.SignatureHeader, Sign(body, c.opts.Secret))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

// clientIP returns the host part of the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
