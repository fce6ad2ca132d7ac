package relay

import (
	"encoding/json"
	"time"
)

// Inbound frame types the router accepts. Anything else is answered with an
// in-band error and never forwarded.
const (
	TypeChatMessage    = "chat_message"
	TypeGameAction     = "game_action"
	TypeGameInvitation = "game_invitation"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypePresencePing   = "presence_ping"
)

// Outbound frame types.
const (
	TypePartnerStatusChange = "partner_status_change"
	TypeInvitationSent      = "invitation_sent"
	TypeError               = "error"
)

// errorFrame is the in-band answer to protocol and authorization violations.
// The connection stays open after it is sent.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newErrorFrame(message, details string) errorFrame {
	return errorFrame{Type: TypeError, Message: message, Details: details}
}

// partnerStatusChange tells one member of a couple that the other came
// online or went away.
type partnerStatusChange struct {
	Type      string     `json:"type"`
	PartnerID string     `json:"partnerId"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// gameActionFrame is the strict inbound schema for relayed game moves.
// SenderID must match the authenticated connection or the frame is rejected.
type gameActionFrame struct {
	Type     string          `json:"type"`
	GameType string          `json:"gameType"`
	GameID   string          `json:"gameId"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"senderId"`
}

func (f *gameActionFrame) validate() bool {
	return f.GameType != "" && f.GameID != "" && f.Action != "" && f.SenderID != ""
}

// gameActionOut is the forwarded form, carrying the server-stamped timestamp.
type gameActionOut struct {
	Type      string          `json:"type"`
	GameType  string          `json:"gameType"`
	GameID    string          `json:"gameId"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	SenderID  string          `json:"senderId"`
	Timestamp time.Time       `json:"timestamp"`
}

// gameInvitationFrame is the inbound invitation; inviter identity is attached
// server-side on the way out.
type gameInvitationFrame struct {
	Type      string `json:"type"`
	GameType  string `json:"gameType"`
	GameTitle string `json:"gameTitle"`
	Message   string `json:"message"`
}

type gameInvitationOut struct {
	Type        string    `json:"type"`
	GameType    string    `json:"gameType"`
	GameTitle   string    `json:"gameTitle"`
	InviterName string    `json:"inviterName"`
	InviterID   string    `json:"inviterId"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

type invitationSent struct {
	Type      string    `json:"type"`
	GameType  string    `json:"gameType"`
	Timestamp time.Time `json:"timestamp"`
}

// typingFrame is forwarded for typing_start/typing_stop with sender identity.
type typingFrame struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}
