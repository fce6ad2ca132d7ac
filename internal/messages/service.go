// Package messages owns the durable message lifecycle, including the
// server-authoritative expiry of ephemeral messages.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evetin/couplet/internal/domain"
	"github.com/evetin/couplet/internal/store"
	"github.com/google/uuid"
)

// ErrEmptyMessage rejects creates with neither content nor media.
var ErrEmptyMessage = errors.New("messages: content or media_url required")

// CreateInput is the accepted schema for new messages. It deliberately has
// no expiry field: expiry is computed server-side and client input never
// reaches it.
type CreateInput struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	MediaURL    string `json:"media_url"`
	IsEphemeral bool   `json:"is_ephemeral"`
}

// Service implements the ephemeral message lifecycle over the store.
type Service struct {
	repo store.Repository
	ttl  time.Duration
}

// NewService creates a message service with the given ephemeral TTL.
func NewService(repo store.Repository, ttl time.Duration) *Service {
	return &Service{repo: repo, ttl: ttl}
}

// Create persists a new message for the couple. Ephemeral messages get
// expires_at = now + TTL, stamped here and nowhere else.
func (s *Service) Create(ctx context.Context, coupleID, senderID string, in CreateInput) (*domain.Message, error) {
	if in.Content == "" && in.MediaURL == "" {
		return nil, ErrEmptyMessage
	}

	msgType := in.Type
	if msgType == "" {
		msgType = "text"
	}

	now := time.Now()
	msg := &domain.Message{
		ID:          uuid.NewString(),
		CoupleID:    coupleID,
		SenderID:    senderID,
		Type:        msgType,
		Content:     in.Content,
		MediaURL:    in.MediaURL,
		IsEphemeral: in.IsEphemeral,
		CreatedAt:   now,
	}
	if in.IsEphemeral {
		expiresAt := now.Add(s.ttl)
		msg.ExpiresAt = &expiresAt
	}

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// List returns the couple's visible messages. The sweep runs first to
// reclaim storage, but visibility never depends on it: the read itself
// filters on the expiry predicate evaluated at query time.
func (s *Service) List(ctx context.Context, coupleID string) ([]*domain.Message, error) {
	now := time.Now()

	if deleted, err := s.repo.DeleteExpiredMessages(ctx, now); err != nil {
		slog.Warn("lazy expiry sweep failed", "error", err)
	} else if deleted > 0 {
		slog.Debug("lazy expiry sweep reclaimed rows", "count", deleted)
	}

	msgs, err := s.repo.ListMessages(ctx, coupleID, now)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// Delete removes one message within the couple. Deleting an already-gone id
// is a no-op.
func (s *Service) Delete(ctx context.Context, coupleID, messageID string) error {
	if err := s.repo.DeleteMessage(ctx, coupleID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Sweep removes every expired ephemeral row, returning the count reclaimed.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredMessages(ctx, time.Now())
}
