package domain

import (
	"time"
)

// GameState is a best-effort snapshot of a couple's game, written when a
// relayed action marks a round or game as finished. Most game traffic is pure
// relay and never touches this entity.
type GameState struct {
	GameID    string    `json:"game_id"`
	CoupleID  string    `json:"couple_id"`
	GameType  string    `json:"game_type"`
	StateJSON string    `json:"state_json"`
	UpdatedAt time.Time `json:"updated_at"`
}
