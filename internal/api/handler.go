// Package api provides REST handlers for the couplet collaborator surface.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/evetin/couplet/internal/auth"
	"github.com/evetin/couplet/internal/domain"
	"github.com/evetin/couplet/internal/messages"
	"github.com/evetin/couplet/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves the message CRUD slice and partner snapshot that sit next
// to the relay.
type Handler struct {
	repo store.Repository
	msgs *messages.Service
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, msgs *messages.Service) *Handler {
	return &Handler{repo: repo, msgs: msgs}
}

// RegisterRoutes mounts the REST endpoints. Callers wrap the router with the
// session-auth middleware first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/messages", h.listMessages)
	r.Post("/api/messages", h.createMessage)
	r.Delete("/api/messages/{id}", h.deleteMessage)
	r.Get("/api/partner", h.getPartner)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// requireCouple resolves the authenticated caller and refuses unpaired users.
func (h *Handler) requireCouple(w http.ResponseWriter, r *http.Request) *domain.User {
	userID := auth.UserIDFromContext(r.Context())
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "user lookup failed")
		return nil
	}
	if user == nil {
		Error(w, http.StatusUnauthorized, "unknown user")
		return nil
	}
	if !user.HasCouple() {
		Error(w, http.StatusForbidden, "no couple")
		return nil
	}
	return user
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	user := h.requireCouple(w, r)
	if user == nil {
		return
	}

	msgs, err := h.msgs.List(r.Context(), user.CoupleID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, msgs)
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	user := h.requireCouple(w, r)
	if user == nil {
		return
	}

	var in messages.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.msgs.Create(r.Context(), user.CoupleID, user.UserID, in)
	if err != nil {
		if errors.Is(err, messages.ErrEmptyMessage) {
			Error(w, http.StatusBadRequest, "content or media_url required")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}
	JSON(w, http.StatusCreated, msg)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	user := h.requireCouple(w, r)
	if user == nil {
		return
	}

	if err := h.msgs.Delete(r.Context(), user.CoupleID, chi.URLParam(r, "id")); err != nil {
		Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getPartner(w http.ResponseWriter, r *http.Request) {
	user := h.requireCouple(w, r)
	if user == nil {
		return
	}

	partner, err := h.repo.GetPartner(r.Context(), user.CoupleID, user.UserID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "partner lookup failed")
		return
	}
	if partner == nil {
		Error(w, http.StatusNotFound, "no partner yet")
		return
	}
	JSON(w, http.StatusOK, partner)
}
