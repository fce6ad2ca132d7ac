package relay

import (
	"context"
	"testing"
	"time"
)

func TestMonitor_ReapsUnresponsiveConnection(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg, &fakeRepo{})
	m := NewMonitor(reg, n, 30*time.Second)
	ctx := context.Background()

	deadWire := &fakeWire{pingErr: errPingFailed}
	dead := NewConn(deadWire, "alice", "couple-1", "Alice")
	partnerWire := &fakeWire{}
	partner := NewConn(partnerWire, "bob", "couple-1", "Bob")
	for _, c := range []*Conn{dead, partner} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register returned error: %v", err)
		}
	}
	// Simulate a missed pong since the previous tick.
	dead.SetAlive(false)
	m.Sweep(ctx)

	closed, code := deadWire.wasClosed()
	if !closed {
		t.Fatal("Expected unresponsive connection to be force-closed")
	}
	if code != CloseCodeLivenessTimeout {
		t.Errorf("Expected close code %d, got %d", CloseCodeLivenessTimeout, code)
	}

	var remaining int
	reg.ForEachInCouple("couple-1", func(c *Conn) {
		if c == dead {
			remaining++
		}
	})
	if remaining != 0 {
		t.Error("Expected reaped connection to be removed from the registry")
	}

	offline := partnerWire.framesOfType(TypePartnerStatusChange)
	if len(offline) != 1 || offline[0]["isOnline"] != false {
		t.Errorf("Expected partner to receive an offline broadcast, got %v", offline)
	}
}

func TestMonitor_PongRestoresLiveness(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg, &fakeRepo{})
	m := NewMonitor(reg, n, 30*time.Second)

	wire := &fakeWire{}
	c := NewConn(wire, "alice", "couple-1", "Alice")
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	m.Sweep(context.Background())

	if !waitFor(time.Second, c.Alive) {
		t.Fatal("Expected a successful ping to restore the liveness flag")
	}
	wire.mu.Lock()
	pings := wire.pings
	wire.mu.Unlock()
	if pings != 1 {
		t.Errorf("Expected exactly 1 ping, got %d", pings)
	}
	if closed, _ := wire.wasClosed(); closed {
		t.Error("Responsive connection must not be closed")
	}
}

func TestMonitor_DeadPeerDetectedWithinTwoSweeps(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg, &fakeRepo{})
	m := NewMonitor(reg, n, 30*time.Second)
	ctx := context.Background()

	wire := &fakeWire{pingErr: errPingFailed}
	c := NewConn(wire, "alice", "couple-1", "Alice")
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	// First sweep clears the flag; the ping fails so it stays down.
	m.Sweep(ctx)
	if closed, _ := wire.wasClosed(); closed {
		t.Fatal("Connection must survive the first sweep")
	}
	if !waitFor(time.Second, func() bool {
		wire.mu.Lock()
		defer wire.mu.Unlock()
		return wire.pings == 1
	}) {
		t.Fatal("Expected a ping on the first sweep")
	}

	// Second sweep finds the flag still down and reaps.
	m.Sweep(ctx)
	if closed, _ := wire.wasClosed(); !closed {
		t.Error("Expected reaping on the second sweep")
	}
}

func TestMonitor_StartStopsOnContextCancel(t *testing.T) {
	reg := NewRegistry()
	n := NewNotifier(reg, &fakeRepo{})
	m := NewMonitor(reg, n, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	// The loop exits on cancellation; nothing to assert beyond not hanging.
	time.Sleep(20 * time.Millisecond)
}
