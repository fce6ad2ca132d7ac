package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/evetin/couplet/internal/store"
)

const presenceWriteTimeout = 5 * time.Second

// Notifier broadcasts online/offline transitions to the counterpart member
// of a couple and keeps the durable presence columns roughly in sync.
type Notifier struct {
	registry *Registry
	repo     store.Repository
}

// NewNotifier creates a presence notifier over the given registry and store.
func NewNotifier(registry *Registry, repo store.Repository) *Notifier {
	return &Notifier{registry: registry, repo: repo}
}

// HandleJoin runs after a connection is registered. It marks the user online,
// tells every other same-couple connection, and synthesizes one catch-up
// frame per already-online partner so a late joiner learns the partner is
// online without a separate query.
func (n *Notifier) HandleJoin(ctx context.Context, c *Conn) {
	n.markPresence(c.UserID(), true, time.Now())

	now := time.Now()
	online := partnerStatusChange{
		Type:      TypePartnerStatusChange,
		PartnerID: c.UserID(),
		IsOnline:  true,
		Timestamp: now,
	}
	n.registry.ForEachExcept(c, func(peer *Conn) {
		if err := peer.Send(ctx, online); err != nil {
			slog.Debug("presence online broadcast failed", "peer", peer.UserID(), "error", err)
		}
	})

	for _, partnerID := range n.registry.PartnerUserIDs(c) {
		catchUp := partnerStatusChange{
			Type:      TypePartnerStatusChange,
			PartnerID: partnerID,
			IsOnline:  true,
			Timestamp: now,
		}
		if err := c.Send(ctx, catchUp); err != nil {
			slog.Debug("presence catch-up failed", "user_id", c.UserID(), "error", err)
		}
	}
}

// HandleLeave runs after a connection is unregistered, on close, error, or
// forced termination. It marks the user offline with a last-seen stamp and
// tells the remaining same-couple connections.
func (n *Notifier) HandleLeave(ctx context.Context, c *Conn) {
	if !c.beginLeave() {
		return
	}

	now := time.Now()
	n.markPresence(c.UserID(), false, now)

	lastSeen := now
	offline := partnerStatusChange{
		Type:      TypePartnerStatusChange,
		PartnerID: c.UserID(),
		IsOnline:  false,
		LastSeen:  &lastSeen,
		Timestamp: now,
	}
	n.registry.ForEachExcept(c, func(peer *Conn) {
		if err := peer.Send(ctx, offline); err != nil {
			slog.Debug("presence offline broadcast failed", "peer", peer.UserID(), "error", err)
		}
	})
}

// markPresence writes the durable presence columns asynchronously with its
// own timeout. Failures are logged and swallowed; presence delivery never
// blocks on the store.
func (n *Notifier) markPresence(userID string, online bool, lastSeen time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		defer cancel()
		if err := n.repo.SetUserPresence(ctx, userID, online, lastSeen); err != nil {
			slog.Warn("failed to persist presence", "user_id", userID, "online", online, "error", err)
		}
	}()
}
