package relay

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// twoCouples wires alice+bob into couple-1 and dave into couple-2.
func twoCouples(t *testing.T, repo *fakeRepo) (*Router, map[string]*fakeWire, map[string]*Conn) {
	t.Helper()
	reg := NewRegistry()
	wires := map[string]*fakeWire{
		"alice": {}, "bob": {}, "dave": {},
	}
	conns := map[string]*Conn{
		"alice": NewConn(wires["alice"], "alice", "couple-1", "Alice"),
		"bob":   NewConn(wires["bob"], "bob", "couple-1", "Bob"),
		"dave":  NewConn(wires["dave"], "dave", "couple-2", "Dave"),
	}
	for _, c := range conns {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register returned error: %v", err)
		}
	}
	return NewRouter(reg, repo), wires, conns
}

func TestRouter_ChatScopeIsolation(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})
	ctx := context.Background()

	payload := []byte(`{"type":"chat_message","content":"hi"}`)
	router.Route(ctx, conns["alice"], payload)

	if wires["bob"].frameCount() != 1 {
		t.Fatalf("Expected bob to receive 1 frame, got %d", wires["bob"].frameCount())
	}
	if got := wires["bob"].frames[0]; !bytes.Equal(got, payload) {
		t.Errorf("Expected verbatim payload %s, got %s", payload, got)
	}
	if wires["alice"].frameCount() != 0 {
		t.Errorf("Sender must not receive its own chat frame, got %d", wires["alice"].frameCount())
	}
	if wires["dave"].frameCount() != 0 {
		t.Errorf("Cross-couple socket must stay silent, got %d frames", wires["dave"].frameCount())
	}
}

func TestRouter_GameActionSpoofRejected(t *testing.T) {
	repo := &fakeRepo{}
	router, wires, conns := twoCouples(t, repo)
	ctx := context.Background()

	payload := []byte(`{"type":"game_action","gameType":"quiz","gameId":"g1","action":"move","data":{},"senderId":"bob"}`)
	router.Route(ctx, conns["alice"], payload)

	errs := wires["alice"].framesOfType(TypeError)
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error frame to the spoofing sender, got %d", len(errs))
	}
	if wires["bob"].frameCount() != 0 {
		t.Errorf("Spoofed frame must never be forwarded, bob got %d frames", wires["bob"].frameCount())
	}
	if repo.snapshotCount() != 0 {
		t.Errorf("Spoofed frame must not persist anything, got %d snapshots", repo.snapshotCount())
	}
}

func TestRouter_GameActionForwardedWithServerTimestamp(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})
	ctx := context.Background()

	payload := []byte(`{"type":"game_action","gameType":"quiz","gameId":"g1","action":"move","data":{"cell":4},"senderId":"alice"}`)
	router.Route(ctx, conns["alice"], payload)

	forwarded := wires["bob"].framesOfType(TypeGameAction)
	if len(forwarded) != 1 {
		t.Fatalf("Expected bob to receive the game action, got %d", len(forwarded))
	}
	if forwarded[0]["senderId"] != "alice" {
		t.Errorf("Expected senderId alice, got %v", forwarded[0]["senderId"])
	}
	if forwarded[0]["timestamp"] == nil {
		t.Error("Expected a server-stamped timestamp")
	}
}

func TestRouter_GameCompletedPersistsSnapshot(t *testing.T) {
	repo := &fakeRepo{}
	router, _, conns := twoCouples(t, repo)
	ctx := context.Background()

	payload := []byte(`{"type":"game_action","gameType":"quiz","gameId":"g1","action":"game_completed","data":{"winner":"alice"},"senderId":"alice"}`)
	router.Route(ctx, conns["alice"], payload)

	if !waitFor(time.Second, func() bool { return repo.snapshotCount() == 1 }) {
		t.Fatal("Expected a game state snapshot to be written")
	}
	repo.mu.Lock()
	snap := repo.snapshots[0]
	repo.mu.Unlock()
	if snap.GameID != "g1" || snap.CoupleID != "couple-1" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestRouter_SnapshotFailureDoesNotBlockDelivery(t *testing.T) {
	repo := &fakeRepo{snapshotErr: errPingFailed}
	router, wires, conns := twoCouples(t, repo)
	ctx := context.Background()

	payload := []byte(`{"type":"game_action","gameType":"quiz","gameId":"g1","action":"round_finished","data":{},"senderId":"alice"}`)
	router.Route(ctx, conns["alice"], payload)

	if len(wires["bob"].framesOfType(TypeGameAction)) != 1 {
		t.Error("Delivery must happen regardless of snapshot failure")
	}
	if len(wires["alice"].framesOfType(TypeError)) != 0 {
		t.Error("Snapshot failure must be swallowed, not surfaced to the sender")
	}
}

func TestRouter_GameInvitation(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})
	ctx := context.Background()

	router.Route(ctx, conns["alice"], []byte(`{"type":"game_invitation","gameType":"quiz","gameTitle":"Pop Quiz","message":"play?"}`))

	invites := wires["bob"].framesOfType(TypeGameInvitation)
	if len(invites) != 1 {
		t.Fatalf("Expected bob to receive the invitation, got %d", len(invites))
	}
	if invites[0]["inviterId"] != "alice" || invites[0]["inviterName"] != "Alice" {
		t.Errorf("Expected inviter identity attached, got %v", invites[0])
	}

	acks := wires["alice"].framesOfType(TypeInvitationSent)
	if len(acks) != 1 {
		t.Fatalf("Expected invitation_sent ack to the sender, got %d", len(acks))
	}
}

func TestRouter_GameInvitationRequiresGameType(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})
	ctx := context.Background()

	router.Route(ctx, conns["alice"], []byte(`{"type":"game_invitation","gameTitle":"?"}`))

	if len(wires["alice"].framesOfType(TypeError)) != 1 {
		t.Error("Expected an error frame for missing gameType")
	}
	if wires["bob"].frameCount() != 0 {
		t.Error("Invalid invitation must not be forwarded")
	}
}

func TestRouter_TypingIndicators(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})
	ctx := context.Background()

	router.Route(ctx, conns["bob"], []byte(`{"type":"typing_start"}`))
	router.Route(ctx, conns["bob"], []byte(`{"type":"typing_stop"}`))

	starts := wires["alice"].framesOfType(TypeTypingStart)
	stops := wires["alice"].framesOfType(TypeTypingStop)
	if len(starts) != 1 || len(stops) != 1 {
		t.Fatalf("Expected alice to see typing_start and typing_stop, got %d/%d", len(starts), len(stops))
	}
	if starts[0]["userId"] != "bob" {
		t.Errorf("Expected typing frame to carry sender identity, got %v", starts[0])
	}
}

func TestRouter_PresencePingIsNoOp(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})

	router.Route(context.Background(), conns["alice"], []byte(`{"type":"presence_ping"}`))

	for name, w := range wires {
		if w.frameCount() != 0 {
			t.Errorf("presence_ping must produce no frames, %s got %d", name, w.frameCount())
		}
	}
}

func TestRouter_UnsupportedTypeAnsweredInBand(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})

	router.Route(context.Background(), conns["alice"], []byte(`{"type":"shutdown_server"}`))

	if len(wires["alice"].framesOfType(TypeError)) != 1 {
		t.Error("Expected an in-band error for a disallowed type")
	}
	if wires["bob"].frameCount() != 0 {
		t.Error("Disallowed frame must not be forwarded")
	}
}

func TestRouter_OversizedFrameConnectionSurvives(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})
	ctx := context.Background()

	big := append([]byte(`{"type":"chat_message","content":"`), bytes.Repeat([]byte("a"), MaxFrameSize)...)
	big = append(big, []byte(`"}`)...)
	router.Route(ctx, conns["alice"], big)

	if len(wires["alice"].framesOfType(TypeError)) != 1 {
		t.Fatal("Expected an in-band error for the oversized frame")
	}
	if wires["bob"].frameCount() != 0 {
		t.Fatal("Oversized frame must not be forwarded")
	}

	// Connection remains usable for subsequent valid frames.
	router.Route(ctx, conns["alice"], []byte(`{"type":"chat_message","content":"still here"}`))
	if wires["bob"].frameCount() != 1 {
		t.Errorf("Expected the follow-up frame to be delivered, bob got %d", wires["bob"].frameCount())
	}
}

func TestRouter_MalformedFrame(t *testing.T) {
	router, wires, conns := twoCouples(t, &fakeRepo{})

	router.Route(context.Background(), conns["alice"], []byte(`not json`))

	if len(wires["alice"].framesOfType(TypeError)) != 1 {
		t.Error("Expected an in-band error for unparsable body")
	}
}
