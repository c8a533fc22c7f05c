// Package gateway implements the self-hosted socket server channel: clients
// connect over a websocket, authenticate with a bearer token and exchange
// typed JSON frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-bridge/internal/observability"
	"github.com/harun/ranya-bridge/pkg/channels"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// MaxMessageLength bounds the content of one response frame.
	MaxMessageLength = 65536

	// MaxFrameSize caps inbound frames.
	MaxFrameSize = 1 << 20

	DefaultPath = "/ws"

	writeTimeout    = 10 * time.Second
	idleAfter       = 5 * time.Minute
	shutdownTimeout = 5 * time.Second
)

var (
	// ErrSessionClosed is returned when sending to a session that is gone.
	ErrSessionClosed = errors.New("session is not connected")
	// ErrUnauthenticated is returned when sending to a session that has not
	// completed the auth exchange.
	ErrUnauthenticated = errors.New("session is not authenticated")
)

// Options configures a Server.
type Options struct {
	ListenAddr         string
	Path               string
	AuthToken          string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

// Server is the self-hosted socket adapter.
type Server struct {
	*channels.Base

	opts     Options
	auth     *AuthHandler
	sessions *SessionRegistry
	upgrader websocket.Upgrader

	// conns counts handlers between upgrade and disconnect; serve waits on
	// it after the HTTP server has stopped accepting.
	conns sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	runCtx   context.Context
	// closing is set before serve waits on conns; no Add may follow it.
	closing bool
}

// New creates a socket server channel.
func New(opts Options, deps channels.Deps) (*Server, error) {
	if opts.AuthToken == "" {
		return nil, fmt.Errorf("socket auth token is required")
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}

	s := &Server{
		opts:     opts,
		auth:     NewAuthHandler(opts.AuthToken),
		sessions: NewSessionRegistry(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.Base = channels.NewBase(channels.KindSelfHostedSocket, deps, s)
	return s, nil
}

// Start binds the listener and begins accepting sessions.
func (s *Server) Start(ctx context.Context) error {
	if s.IsRunning() {
		return fmt.Errorf("socket: already running")
	}

	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("socket: failed to listen on %s: %w", s.opts.ListenAddr, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx := s.MarkStarted(ctx)
	s.mu.Lock()
	s.listener = ln
	s.runCtx = runCtx
	s.closing = false
	s.mu.Unlock()

	s.Logger().Info().Str("addr", ln.Addr().String()).Str("path", s.opts.Path).Msg("Socket server listening")
	s.Connected()

	s.Go(runCtx, func(ctx context.Context) { s.serve(ctx, server, ln) })
	return nil
}

// Stop closes every session and the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.Shutdown(ctx)
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns information about all connected sessions.
func (s *Server) Sessions() []SessionInfo {
	return s.sessions.Infos()
}

func (s *Server) serve(ctx context.Context, server *http.Server, ln net.Listener) {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.Logger().Warn().Err(err).Msg("Socket server shutdown incomplete")
		}
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.ReportError(fmt.Errorf("socket server stopped: %w", err))
		}
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	// Hijacked connections are not tracked by http.Server.
	for _, session := range s.sessions.GetAll() {
		_ = session.close()
	}
	s.conns.Wait()
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(s.opts.Path, s.handleWebSocket)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"running":  s.IsRunning(),
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	runCtx := s.runCtx
	if runCtx == nil || runCtx.Err() != nil || s.closing {
		s.mu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger().Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	id, err := gonanoid.New()
	if err != nil {
		s.Logger().Error().Err(err).Msg("Failed to generate session id")
		_ = conn.Close()
		return
	}
	session := newSession(id, conn, r.RemoteAddr, s.opts.RateLimitPerMinute)
	s.sessions.Add(session)
	s.Logger().Info().Str("session", id).Str("ip", r.RemoteAddr).Msg("Session connected")

	stop := context.AfterFunc(runCtx, func() { _ = conn.Close() })
	defer stop()

	s.readLoop(runCtx, session)

	_ = conn.Close()
	s.sessions.Remove(id)
	s.Logger().Info().Str("session", id).Msg("Session disconnected")
}

func (s *Server) readLoop(ctx context.Context, session *Session) {
	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Logger().Debug().Err(err).Str("session", session.ID).Msg("Session read failed")
			}
			return
		}
		session.touch()

		if !s.handleFrame(ctx, session, data) {
			return
		}
	}
}

// handleFrame processes one client frame. It returns false when the session
// must be closed.
func (s *Server) handleFrame(ctx context.Context, session *Session, data []byte) bool {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reply(session, OutboundFrame{Type: FrameError, Error: "invalid frame"})
		return true
	}

	switch frame.Type {
	case FrameAuth:
		return s.handleAuth(ctx, session, frame)
	case FrameMessage:
		s.handleMessage(ctx, session, frame)
		return true
	default:
		s.reply(session, OutboundFrame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
		return true
	}
}

func (s *Server) handleAuth(ctx context.Context, session *Session, frame InboundFrame) bool {
	result, exhausted := s.auth.HandleAuth(session, frame)
	s.reply(session, result)

	if result.Type == FrameAuthOK {
		s.Logger().Info().Str("session", session.ID).Str("client_id", frame.ClientID).Msg("Session authenticated")
		return true
	}

	s.Logger().Warn().Str("session", session.ID).Str("reason", result.Error).Msg("Authentication failed")
	observability.RecordSecurityAudit(ctx, string(s.Kind()), "socket_auth", session.IPAddress, "denied", map[string]interface{}{
		"session_id": session.ID,
		"reason":     result.Error,
	})
	return !exhausted
}

func (s *Server) handleMessage(ctx context.Context, session *Session, frame InboundFrame) {
	if !session.Authenticated() {
		s.reply(session, OutboundFrame{Type: FrameError, Error: "not authenticated"})
		return
	}
	if !session.RateLimiter.Allow() {
		observability.RecordDropped(string(s.Kind()), "rate_limited")
		s.reply(session, OutboundFrame{Type: FrameError, Error: "rate limit exceeded"})
		return
	}
	if frame.Text == "" && len(frame.Attachments) == 0 {
		s.reply(session, OutboundFrame{Type: FrameError, Error: "empty message"})
		return
	}

	sender := session.SenderID()
	if !s.Admit(ctx, sender) {
		s.reply(session, OutboundFrame{Type: FrameError, Error: "sender not allowed"})
		return
	}

	s.Receive(ctx, channels.InboundMessage{
		ExternalChatID:    session.ID,
		SenderID:          sender,
		SenderName:        sender,
		Text:              frame.Text,
		AttachmentPaths:   frame.Attachments,
		ExternalMessageID: frame.ID,
	})
}

func (s *Server) reply(session *Session, frame OutboundFrame) {
	if err := session.writeFrame(frame); err != nil {
		s.Logger().Debug().Err(err).Str("session", session.ID).Str("frame", frame.Type).Msg("Failed to write frame")
	}
}

func (s *Server) authenticatedSession(chatID string) (*Session, error) {
	session, ok := s.sessions.Get(chatID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, chatID)
	}
	if !session.Authenticated() {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, chatID)
	}
	return session, nil
}

// Send writes a response frame to the session identified by chatID.
func (s *Server) Send(_ context.Context, chatID, text string) error {
	session, err := s.authenticatedSession(chatID)
	if err != nil {
		return err
	}
	return session.writeFrame(OutboundFrame{
		Type:      FrameResponse,
		Content:   text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendTyping writes a typing frame to the session.
func (s *Server) SendTyping(_ context.Context, chatID string) error {
	session, err := s.authenticatedSession(chatID)
	if err != nil {
		return err
	}
	return session.writeFrame(OutboundFrame{Type: FrameTyping})
}

func (s *Server) MaxMessageLength() int { return MaxMessageLength }
