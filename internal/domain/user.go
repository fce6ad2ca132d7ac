// Package domain contains core domain types for the couplet application.
package domain

import (
	"time"
)

// User represents an account holder. Every user belongs to at most one
// couple; a user without a couple cannot hold a relay connection.
type User struct {
	UserID      string    `json:"user_id"`
	CoupleID    string    `json:"couple_id,omitempty"`
	DisplayName string    `json:"display_name"`
	IsOnline    bool      `json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasCouple returns true if the user is paired.
func (u *User) HasCouple() bool {
	return u.CoupleID != ""
}
