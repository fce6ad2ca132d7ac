package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/evetin/couplet/internal/domain"
	"github.com/evetin/couplet/internal/store"
)

// MaxFrameSize is the inbound frame cap. Oversized frames get an in-band
// error; the connection stays open.
const MaxFrameSize = 64 * 1024

const snapshotWriteTimeout = 5 * time.Second

// Actions that trigger a best-effort game state snapshot write.
var snapshotActions = map[string]bool{
	"game_completed": true,
	"round_finished": true,
}

// Router classifies, validates, and forwards inbound frames to the sender's
// same-couple peers.
type Router struct {
	registry *Registry
	repo     store.Repository
}

// NewRouter creates a router over the given registry and store.
func NewRouter(registry *Registry, repo store.Repository) *Router {
	return &Router{registry: registry, repo: repo}
}

// Route handles one inbound frame from the given connection. Protocol and
// authorization violations are answered in-band and never forwarded.
func (r *Router) Route(ctx context.Context, c *Conn, payload []byte) {
	if len(payload) > MaxFrameSize {
		r.sendError(ctx, c, "frame exceeds size limit", "maximum frame size is 64KB")
		return
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		r.sendError(ctx, c, "malformed frame", "frames must be JSON objects")
		return
	}

	switch head.Type {
	case TypeChatMessage:
		r.handleChat(ctx, c, payload)
	case TypeGameAction:
		r.handleGameAction(ctx, c, payload)
	case TypeGameInvitation:
		r.handleGameInvitation(ctx, c, payload)
	case TypeTypingStart, TypeTypingStop:
		r.handleTyping(ctx, c, head.Type)
	case TypePresencePing:
		// Reserved for future use; accepted without effect.
	default:
		r.sendError(ctx, c, "unsupported frame type", head.Type)
	}
}

// handleChat forwards the payload verbatim to same-couple peers. The relay
// does not persist chat: the REST create path is the system of record, and a
// relay frame is allowed to exist without a matching row (live-delivery hint).
func (r *Router) handleChat(ctx context.Context, c *Conn, payload []byte) {
	r.broadcastRaw(ctx, c, payload)
}

func (r *Router) handleGameAction(ctx context.Context, c *Conn, payload []byte) {
	var frame gameActionFrame
	if err := json.Unmarshal(payload, &frame); err != nil || !frame.validate() {
		r.sendError(ctx, c, "invalid game_action frame", "gameType, gameId, action, and senderId are required")
		return
	}

	if frame.SenderID != c.UserID() {
		slog.Warn("game_action sender mismatch", "claimed", frame.SenderID, "authenticated", c.UserID())
		r.sendError(ctx, c, "sender identity mismatch", "senderId must match the authenticated user")
		return
	}

	now := time.Now()
	out := gameActionOut{
		Type:      TypeGameAction,
		GameType:  frame.GameType,
		GameID:    frame.GameID,
		Action:    frame.Action,
		Data:      frame.Data,
		SenderID:  frame.SenderID,
		Timestamp: now,
	}
	r.broadcast(ctx, c, out)

	if snapshotActions[frame.Action] {
		r.persistSnapshot(c, frame, now)
	}
}

// persistSnapshot writes the game state asynchronously. A failed write is
// logged and swallowed; it never blocks or rolls back the delivery that
// preceded it, and it is not retried.
func (r *Router) persistSnapshot(c *Conn, frame gameActionFrame, now time.Time) {
	state := &domain.GameState{
		GameID:    frame.GameID,
		CoupleID:  c.CoupleID(),
		GameType:  frame.GameType,
		StateJSON: string(frame.Data),
		UpdatedAt: now,
	}
	if state.StateJSON == "" {
		state.StateJSON = "{}"
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
		defer cancel()
		if err := r.repo.UpsertGameState(ctx, state); err != nil {
			slog.Warn("game state snapshot failed",
				"game_id", state.GameID,
				"action", frame.Action,
				"error", err)
		}
	}()
}

func (r *Router) handleGameInvitation(ctx context.Context, c *Conn, payload []byte) {
	var frame gameInvitationFrame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.GameType == "" {
		r.sendError(ctx, c, "invalid game_invitation frame", "gameType is required")
		return
	}

	now := time.Now()
	out := gameInvitationOut{
		Type:        TypeGameInvitation,
		GameType:    frame.GameType,
		GameTitle:   frame.GameTitle,
		InviterName: c.DisplayName(),
		InviterID:   c.UserID(),
		Message:     frame.Message,
		Timestamp:   now,
	}
	r.broadcast(ctx, c, out)

	ack := invitationSent{Type: TypeInvitationSent, GameType: frame.GameType, Timestamp: now}
	if err := c.Send(ctx, ack); err != nil {
		slog.Debug("invitation ack failed", "user_id", c.UserID(), "error", err)
	}
}

func (r *Router) handleTyping(ctx context.Context, c *Conn, frameType string) {
	out := typingFrame{Type: frameType, UserID: c.UserID(), Timestamp: time.Now()}
	r.broadcast(ctx, c, out)
}

func (r *Router) broadcast(ctx context.Context, origin *Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("broadcast marshal failed", "error", err)
		return
	}
	r.broadcastRaw(ctx, origin, data)
}

// broadcastRaw fans out to same-couple peers excluding the origin. Fan-out is
// best-effort and non-transactional: a failed peer write is logged and the
// remaining peers still get the frame.
func (r *Router) broadcastRaw(ctx context.Context, origin *Conn, data []byte) {
	r.registry.ForEachExcept(origin, func(peer *Conn) {
		if err := peer.SendRaw(ctx, data); err != nil {
			slog.Debug("broadcast to peer failed", "peer", peer.UserID(), "error", err)
		}
	})
}

func (r *Router) sendError(ctx context.Context, c *Conn, message, details string) {
	if err := c.Send(ctx, newErrorFrame(message, details)); err != nil {
		slog.Debug("error frame send failed", "user_id", c.UserID(), "error", err)
	}
}
