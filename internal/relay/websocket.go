package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/evetin/couplet/internal/auth"
	"github.com/evetin/couplet/internal/store"
)

// readLimit sits above MaxFrameSize so an oversized frame reaches the router
// and gets an in-band error instead of tearing the connection down.
const readLimit = 1 << 20

// WebSocketHandler authenticates handshakes and drives the per-connection
// read loop.
type WebSocketHandler struct {
	authn    *auth.Authenticator
	repo     store.Repository
	registry *Registry
	notifier *Notifier
	router   *Router
}

// NewWebSocketHandler creates the relay's HTTP entry point.
func NewWebSocketHandler(authn *auth.Authenticator, repo store.Repository, registry *Registry, notifier *Notifier, router *Router) *WebSocketHandler {
	return &WebSocketHandler{
		authn:    authn,
		repo:     repo,
		registry: registry,
		notifier: notifier,
		router:   router,
	}
}

// ServeHTTP implements http.Handler for the relay endpoint. A failed
// handshake is final for the attempt; the client must reconnect.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authn.Authenticate(r)
	if err != nil {
		slog.Warn("handshake rejected", "error", err, "ip", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("handshake user lookup failed", "error", err, "user_id", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		slog.Warn("handshake for unknown user", "user_id", userID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// The couple invariant is checked against the store, not the session:
	// the couple must exist and the user must belong to it.
	if user.HasCouple() {
		couple, err := h.repo.GetCouple(r.Context(), user.CoupleID)
		if err != nil {
			slog.Error("handshake couple lookup failed", "error", err, "user_id", userID)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if couple == nil {
			user.CoupleID = ""
		}
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)

	c := NewConn(ws, userID, user.CoupleID, user.DisplayName)
	if err := h.registry.Register(c); err != nil {
		slog.Warn("registration refused", "user_id", userID, "error", err)
		c.Close(CloseCodeNoCouple, "no couple")
		return
	}

	slog.Info("relay connection accepted", "user_id", userID, "couple_id", user.CoupleID, "ip", r.RemoteAddr)

	defer func() {
		h.registry.Unregister(c)
		// The request context is already canceled when the client drops;
		// the offline broadcast to peers needs its own.
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.notifier.HandleLeave(leaveCtx, c)
		c.Close(websocket.StatusNormalClosure, "connection ended")
	}()

	h.notifier.HandleJoin(r.Context(), c)

	for {
		_, payload, err := ws.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user_id", userID)
			} else {
				slog.Debug("websocket read ended", "user_id", userID, "error", err)
			}
			return
		}
		h.router.Route(r.Context(), c, payload)
	}
}
