// Package auth validates requests against the existing web session store.
//
// The relay never mints identity: a connection attempt either carries a
// session cookie the web login flow already established, or it is rejected.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/evetin/couplet/internal/store"
)

// SessionCookieName is the cookie the web login flow sets.
const SessionCookieName = "couplet_session"

type contextKey int

const userIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Handshake rejection reasons. All of them are final for the attempt; the
// client must reconnect.
var (
	ErrMissingHost    = errors.New("auth: missing Host header")
	ErrBadOrigin      = errors.New("auth: origin does not match host")
	ErrMissingCookie  = errors.New("auth: missing session cookie")
	ErrInvalidSession = errors.New("auth: invalid or expired session")
)

// Authenticator resolves a request to an authenticated user ID.
type Authenticator struct {
	repo store.Repository
}

// NewAuthenticator creates an Authenticator backed by the given session store.
func NewAuthenticator(repo store.Repository) *Authenticator {
	return &Authenticator{repo: repo}
}

// Authenticate gates a WebSocket handshake. It requires a Host header, a
// same-origin Origin header, and a session cookie resolvable to a live
// session. On success it returns the session's user ID.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if r.Host == "" {
		return "", ErrMissingHost
	}

	origin := r.Header.Get("Origin")
	if origin != "http://"+r.Host && origin != "https://"+r.Host {
		slog.Warn("handshake origin rejected", "origin", origin, "host", r.Host)
		return "", ErrBadOrigin
	}

	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", ErrMissingCookie
	}
	sessionID := cookie.Value
	if !sessionIDPattern.MatchString(sessionID) {
		return "", ErrInvalidSession
	}

	session, err := a.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		return "", fmt.Errorf("auth: session lookup: %w", err)
	}
	if session == nil || !session.Valid(time.Now()) {
		return "", ErrInvalidSession
	}

	return session.UserID, nil
}

// UserIDFromContext extracts the authenticated user ID from the request
// context. Empty if the request did not pass the middleware.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware authenticates REST requests with the same session cookie the
// handshake uses and injects the user ID into the request context.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || !sessionIDPattern.MatchString(cookie.Value) {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			session, err := a.repo.GetSession(r.Context(), cookie.Value)
			if err != nil {
				http.Error(w, `{"error":"session lookup failed"}`, http.StatusInternalServerError)
				return
			}
			if session == nil || !session.Valid(time.Now()) {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, session.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
