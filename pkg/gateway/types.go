package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types exchanged with socket clients.
const (
	FrameAuth     = "auth"
	FrameMessage  = "message"
	FrameAuthOK   = "auth_ok"
	FrameAuthFail = "auth_fail"
	FrameTyping   = "typing"
	FrameResponse = "response"
	FrameError    = "error"
)

// InboundFrame is any frame a client sends. Type selects which fields apply.
type InboundFrame struct {
	Type        string   `json:"type"`
	Token       string   `json:"token,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ID          string   `json:"id,omitempty"`
}

// OutboundFrame is any frame the server sends.
type OutboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SessionInfo describes a connected session for diagnostics.
type SessionInfo struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Idle          bool      `json:"idle"`
}

// Session is one websocket connection. Its ID doubles as the external chat id.
type Session struct {
	ID          string
	IPAddress   string
	ConnectedAt time.Time
	RateLimiter *SessionRateLimiter

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	clientID      string
	authAttempts  int
	lastActivity  time.Time
}

func newSession(id string, conn *websocket.Conn, ip string, messagesPerMinute int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		IPAddress:    ip,
		ConnectedAt:  now,
		RateLimiter:  NewSessionRateLimiter(messagesPerMinute),
		conn:         conn,
		lastActivity: now,
	}
}

// Authenticated reports whether the session completed the auth exchange.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SenderID is the identity checked against the allow-list: the client id
// given at auth, or the session id when none was given.
func (s *Session) SenderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID != "" {
		return s.clientID
	}
	return s.ID
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) info(now time.Time) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.ID,
		ClientID:      s.clientID,
		Authenticated: s.authenticated,
		ConnectedAt:   s.ConnectedAt,
		LastActivity:  s.lastActivity,
		IPAddress:     s.IPAddress,
		Idle:          now.Sub(s.lastActivity) > idleAfter,
	}
}

// writeFrame serializes writes; gorilla connections allow one writer at a time.
func (s *Session) writeFrame(frame OutboundFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *Session) close() error {
	return s.conn.Close()
}
