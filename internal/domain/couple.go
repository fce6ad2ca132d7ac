package domain

import (
	"time"
)

// Couple is the two-member unit that scopes every relay broadcast and every
// message row. Membership lives on the user records; this entity only needs
// to exist so a couple ID can be validated.
type Couple struct {
	CoupleID  string    `json:"couple_id"`
	CreatedAt time.Time `json:"created_at"`
}
