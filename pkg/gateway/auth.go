package gateway

import (
	"crypto/subtle"
)

// MaxAuthAttempts is how many failed auth frames a session may send before
// it is disconnected.
const MaxAuthAttempts = 3

// AuthHandler checks the bearer token presented in auth frames.
type AuthHandler struct {
	token string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(token string) *AuthHandler {
	return &AuthHandler{token: token}
}

// VerifyToken compares token with the configured one in constant time.
func (a *AuthHandler) VerifyToken(token string) bool {
	if a.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(token)) == 1
}

// HandleAuth processes an auth frame for session and returns the reply.
// The second result is true when the session has exhausted its attempts.
func (a *AuthHandler) HandleAuth(session *Session, frame InboundFrame) (OutboundFrame, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if !a.VerifyToken(frame.Token) {
		session.authAttempts++
		if session.authAttempts >= MaxAuthAttempts {
			return OutboundFrame{Type: FrameAuthFail, Error: "too many failed attempts"}, true
		}
		return OutboundFrame{Type: FrameAuthFail, Error: "invalid token"}, false
	}

	session.authenticated = true
	session.clientID = frame.ClientID
	session.authAttempts = 0
	return OutboundFrame{Type: FrameAuthOK, SessionID: session.ID}, false
}
