package domain

import (
	"time"
)

// Session is a row in the web session store. The relay never creates
// sessions; it only validates handshakes against sessions the web login
// flow already established.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the session carries an identity and has not expired.
func (s *Session) Valid(now time.Time) bool {
	return s.UserID != "" && s.ExpiresAt.After(now)
}
