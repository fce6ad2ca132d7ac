package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/evetin/couplet/internal/domain"
	"github.com/evetin/couplet/internal/store"
)

// fakeWire records frames instead of writing to a socket.
type fakeWire struct {
	mu      sync.Mutex
	frames  [][]byte
	pingErr error
	pings   int
	closed  bool
	code    websocket.StatusCode
}

func (f *fakeWire) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeWire) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeWire) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeWire) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeWire) frame(i int) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var v map[string]interface{}
	if err := json.Unmarshal(f.frames[i], &v); err != nil {
		return nil
	}
	return v
}

// framesOfType returns decoded frames matching the given type.
func (f *fakeWire) framesOfType(frameType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, raw := range f.frames {
		var v map[string]interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if v["type"] == frameType {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeWire) wasClosed() (bool, websocket.StatusCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code
}

// fakeRepo stubs the two store operations the relay touches. Any other call
// panics through the nil embedded interface, which is the point: the relay
// must not reach the store outside these paths.
type fakeRepo struct {
	store.Repository

	mu          sync.Mutex
	presence    []presenceWrite
	snapshots   []*domain.GameState
	snapshotErr error
}

type presenceWrite struct {
	userID string
	online bool
}

func (r *fakeRepo) SetUserPresence(_ context.Context, userID string, online bool, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, presenceWrite{userID: userID, online: online})
	return nil
}

func (r *fakeRepo) UpsertGameState(_ context.Context, state *domain.GameState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshotErr != nil {
		return r.snapshotErr
	}
	r.snapshots = append(r.snapshots, state)
	return nil
}

func (r *fakeRepo) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// waitFor polls until the condition holds or the deadline passes. Used for
// the relay's fire-and-forget goroutines.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var errPingFailed = errors.New("ping failed")
