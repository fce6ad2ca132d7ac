package domain

import (
	"time"
)

// Message is a durable chat entry scoped to a couple.
//
// ExpiresAt is non-nil iff IsEphemeral is true, and is always computed
// server-side. Client input never reaches this field.
type Message struct {
	ID          string     `json:"id"`
	CoupleID    string     `json:"couple_id"`
	SenderID    string     `json:"sender_id"`
	Type        string     `json:"type"`
	Content     string     `json:"content,omitempty"`
	MediaURL    string     `json:"media_url,omitempty"`
	IsEphemeral bool       `json:"is_ephemeral"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Expired reports whether the message's visibility window has passed at the
// given instant. Non-ephemeral messages never expire.
func (m *Message) Expired(now time.Time) bool {
	return m.IsEphemeral && m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}
