// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/evetin/couplet/internal/domain"
)

// Repository defines the persistence operations the relay and its REST
// collaborators require.
type Repository interface {
	// GetSession retrieves a web session by its ID. Returns (nil, nil)
	// when no such session exists.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// PutSession creates or replaces a web session row. The relay itself
	// never calls this; the web login flow does.
	PutSession(ctx context.Context, session *domain.Session) error

	// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// SetUserPresence updates is_online and last_seen_at for a user.
	SetUserPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error

	// GetCouple retrieves a couple by ID. Returns (nil, nil) when absent.
	GetCouple(ctx context.Context, coupleID string) (*domain.Couple, error)

	// UpsertCouple creates a couple record.
	UpsertCouple(ctx context.Context, couple *domain.Couple) error

	// GetPartner retrieves the other member of a couple, if any.
	GetPartner(ctx context.Context, coupleID, selfID string) (*domain.User, error)

	// InsertMessage persists a new message row.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a couple's messages, newest last, excluding
	// ephemeral rows whose expiry has passed at query time.
	ListMessages(ctx context.Context, coupleID string, now time.Time) ([]*domain.Message, error)

	// DeleteMessage removes a message by ID within a couple. Deleting an
	// absent ID is a no-op.
	DeleteMessage(ctx context.Context, coupleID, messageID string) error

	// DeleteExpiredMessages removes ephemeral rows whose expiry has
	// passed, returning the number of rows reclaimed.
	DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error)

	// UpsertGameState writes a best-effort game snapshot.
	UpsertGameState(ctx context.Context, state *domain.GameState) error

	// GetGameState retrieves a game snapshot by ID. Returns (nil, nil)
	// when absent.
	GetGameState(ctx context.Context, gameID string) (*domain.GameState, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
