package relay

import (
	"context"
	"log/slog"
	"time"
)

// Monitor is the periodic liveness sweep over the registry. Each tick it
// reaps connections whose liveness flag never came back, then clears the
// flag on the rest and pings them. A pong restores the flag, so a dead peer
// is detected within roughly two intervals without any cooperation from a
// crashed or partitioned client.
type Monitor struct {
	registry *Registry
	notifier *Notifier
	interval time.Duration
}

// NewMonitor creates a heartbeat monitor with the given sweep interval.
func NewMonitor(registry *Registry, notifier *Notifier, interval time.Duration) *Monitor {
	return &Monitor{registry: registry, notifier: notifier, interval: interval}
}

// Start runs the sweep loop in a background goroutine until the context is
// cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("heartbeat monitor started", "interval", m.interval)

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("heartbeat monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one liveness pass over every registered connection.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, c := range m.registry.Conns() {
		if !c.Alive() {
			m.reap(ctx, c)
			continue
		}
		c.SetAlive(false)
		go m.ping(ctx, c)
	}
}

// ping waits for the peer's pong and restores the liveness flag. A failed or
// timed-out ping leaves the flag down for the next sweep to act on.
func (m *Monitor) ping(ctx context.Context, c *Conn) {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	if err := c.Ping(pingCtx); err != nil {
		slog.Debug("heartbeat ping failed", "user_id", c.UserID(), "error", err)
		return
	}
	c.SetAlive(true)
}

// reap force-closes a half-open connection and runs the offline presence
// path. The dead peer is not notified; it is unreachable by definition.
func (m *Monitor) reap(ctx context.Context, c *Conn) {
	slog.Info("reaping unresponsive connection", "user_id", c.UserID(), "couple_id", c.CoupleID())
	c.Close(CloseCodeLivenessTimeout, "heartbeat timeout")
	m.registry.Unregister(c)
	m.notifier.HandleLeave(ctx, c)
}
