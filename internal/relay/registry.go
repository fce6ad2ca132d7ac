// Package relay implements the real-time presence and message relay:
// connection registry, heartbeat liveness, presence broadcasts, and the
// couple-scoped frame router.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Close codes sent to clients on forced termination.
const (
	// CloseCodeNoCouple rejects registration of a user with no couple.
	CloseCodeNoCouple websocket.StatusCode = 4001
	// CloseCodeLivenessTimeout reaps a connection that stopped answering pings.
	CloseCodeLivenessTimeout websocket.StatusCode = 4002
)

// ErrNoCouple is returned by Register for users without a couple.
var ErrNoCouple = errors.New("relay: user has no couple")

// wire is the subset of *websocket.Conn the relay needs. Tests substitute
// in-memory fakes.
type wire interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is one registered relay connection. A user with several tabs open
// holds several Conns.
type Conn struct {
	ws          wire
	userID      string
	coupleID    string
	displayName string

	mu     sync.Mutex
	alive  bool
	closed bool
	left   bool
}

// NewConn wraps an accepted websocket. Connections start alive; the
// heartbeat monitor takes over from there.
func NewConn(ws wire, userID, coupleID, displayName string) *Conn {
	return &Conn{ws: ws, userID: userID, coupleID: coupleID, displayName: displayName, alive: true}
}

// UserID returns the authenticated owner of the connection.
func (c *Conn) UserID() string { return c.userID }

// CoupleID returns the scoping key for every broadcast from this connection.
func (c *Conn) CoupleID() string { return c.coupleID }

// DisplayName returns the owner's display name, resolved at handshake time.
func (c *Conn) DisplayName() string { return c.displayName }

// Alive reports whether a pong has been observed since the last sweep.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// SetAlive flips the liveness flag. Only the heartbeat monitor and its pong
// path call this.
func (c *Conn) SetAlive(alive bool) {
	c.mu.Lock()
	c.alive = alive
	c.mu.Unlock()
}

// beginLeave reports whether the offline path has already run for this
// connection. The heartbeat reaper and the read loop's cleanup can both
// reach it; only the first wins.
func (c *Conn) beginLeave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return false
	}
	c.left = true
	return true
}

// Send marshals v and writes it as a text frame. The closed flag is
// re-checked immediately before the write since the registry can lag a close
// event by one tick.
func (c *Conn) Send(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes a pre-encoded frame, used when forwarding payloads verbatim.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("relay: connection closed")
	}
	c.mu.Unlock()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("relay write failed", "user_id", c.userID, "error", err)
		return err
	}
	return nil
}

// Ping sends a websocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("relay: connection closed")
	}
	c.mu.Unlock()
	return c.ws.Ping(ctx)
}

// Close terminates the underlying socket and marks the connection so no
// further sends go out. Safe to call more than once.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.ws.Close(code, reason); err != nil {
		slog.Debug("relay close failed", "user_id", c.userID, "error", err)
	}
}

// Registry is the in-memory bookkeeping of active connections, keyed by
// couple. It is process-local and owned by a single relay server instance;
// tests instantiate isolated registries.
type Registry struct {
	mu       sync.RWMutex
	byCouple map[string]map[*Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byCouple: make(map[string]map[*Conn]struct{}),
	}
}

// Register records a connection under its couple. Users without a couple are
// refused; the caller closes the socket with CloseCodeNoCouple.
func (reg *Registry) Register(c *Conn) error {
	if c.coupleID == "" {
		return ErrNoCouple
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	conns, ok := reg.byCouple[c.coupleID]
	if !ok {
		conns = make(map[*Conn]struct{})
		reg.byCouple[c.coupleID] = conns
	}
	conns[c] = struct{}{}

	slog.Info("relay connection registered", "user_id", c.userID, "couple_id", c.coupleID)
	return nil
}

// Unregister removes a connection. Idempotent: removing an absent connection
// is a no-op.
func (reg *Registry) Unregister(c *Conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	conns, ok := reg.byCouple[c.coupleID]
	if !ok {
		return
	}
	if _, present := conns[c]; !present {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(reg.byCouple, c.coupleID)
	}
	slog.Info("relay connection unregistered", "user_id", c.userID, "couple_id", c.coupleID)
}

// ForEachInCouple invokes fn for every connection in the couple.
func (reg *Registry) ForEachInCouple(coupleID string, fn func(*Conn)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for c := range reg.byCouple[coupleID] {
		fn(c)
	}
}

// ForEachExcept invokes fn for every same-couple connection other than the
// originating one. This is the primitive behind every scoped broadcast.
func (reg *Registry) ForEachExcept(origin *Conn, fn func(*Conn)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for c := range reg.byCouple[origin.coupleID] {
		if c != origin {
			fn(c)
		}
	}
}

// PartnerUserIDs returns the distinct user IDs, other than the given
// connection's owner, currently holding connections in its couple. Used for
// late-joiner presence catch-up.
func (reg *Registry) PartnerUserIDs(origin *Conn) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for c := range reg.byCouple[origin.coupleID] {
		if c.userID == origin.userID {
			continue
		}
		if _, dup := seen[c.userID]; dup {
			continue
		}
		seen[c.userID] = struct{}{}
		ids = append(ids, c.userID)
	}
	return ids
}

// Conns returns a snapshot of every registered connection. The heartbeat
// monitor sweeps over this so reaping can mutate the registry mid-iteration.
func (reg *Registry) Conns() []*Conn {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var all []*Conn
	for _, conns := range reg.byCouple {
		for c := range conns {
			all = append(all, c)
		}
	}
	return all
}
