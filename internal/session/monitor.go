package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-server/internal/protocol"
	"session-server/internal/storage"
	"session-server/internal/transport"
)

// monitor pairs one session's background watcher with its cancellation
// control. Cancelling is a request to exit within one poll interval; the
// canceller must drain done before touching the session again.
type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// spawnMonitorLocked starts a monitor for s. Caller holds c.mu.
func (c *Controller) spawnMonitorLocked(client transport.Client, s storage.Session) {
	if _, exists := c.monitors[s.ID]; exists {
		c.logger.Error("monitor already tracked for session",
			zap.String("session", s.ID.String()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{cancel: cancel, done: make(chan struct{})}
	c.monitors[s.ID] = m
	go c.runMonitor(ctx, m, client, s.ID)
}

// runMonitor watches one session: first transport liveness while the session
// is connected, then the reconnect grace window once it is not. Natural
// termination removes the session from the store; cancellation exits without
// cleanup because the canceller owns it.
func (c *Controller) runMonitor(ctx context.Context, m *monitor, client transport.Client, id uuid.UUID) {
	defer close(m.done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	// Liveness loop.
	for {
		s, ok := c.store.Get(id)
		if !ok {
			c.dropMonitorEntry(id, m)
			return
		}
		if !s.IsLive() {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		idle, seen := c.transport.SinceLastSeen(client.Handle)
		if !seen || idle <= c.cfg.ConnectionTimeout {
			continue
		}
		if c.timeoutSession(client, id) {
			break
		}
		// Another path ended the session first; re-read its state.
	}

	// Grace loop: hold the disconnected session for a reconnect of the same
	// identity. The reconnection path races this window by cancelling us.
	for {
		s, ok := c.store.Get(id)
		if !ok {
			c.dropMonitorEntry(id, m)
			return
		}
		if s.Disconnected == nil || time.Since(*s.Disconnected) >= c.cfg.ReconnectGrace {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	c.dropMonitorEntry(id, m)
	c.store.Remove(id)
	c.clearPresence(id)
}

// dropMonitorEntry removes the monitor's own map entry. The entry may
// already belong to a replacement, so only an exact match is deleted.
func (c *Controller) dropMonitorEntry(id uuid.UUID, m *monitor) {
	c.mu.Lock()
	if c.monitors[id] == m {
		delete(c.monitors, id)
	}
	c.mu.Unlock()
}

// timeoutSession ends a session the liveness loop found unresponsive.
// Reports false when another path disconnected it first; exactly one timed
// out disconnection can win.
func (c *Controller) timeoutSession(client transport.Client, id uuid.UUID) bool {
	ctx := context.Background()
	now := time.Now().UTC()

	c.mu.Lock()
	s, ok := c.store.Get(id)
	if !ok || !s.IsLive() {
		c.mu.Unlock()
		return false
	}

	s.Disconnected = &now
	s.DisconnectReason = protocol.ReasonTimedOut
	if err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.MarkDisconnected(ctx, s.ID, now, protocol.ReasonTimedOut)
	}); err != nil {
		c.mu.Unlock()
		c.logger.Error("persist session timeout failed",
			zap.String("session", id.String()),
			zap.Error(err))
		return false
	}
	c.store.Upsert(s)
	c.mu.Unlock()

	c.bus.Emit(protocol.EventSessionTimedOut, client, s)
	c.bus.Emit(protocol.EventClientDisconnecting, client)
	c.bus.Emit(protocol.EventClientDisconnected, client, s)
	c.clearPresence(id)

	// Close the dead socket. Off this goroutine: Drop re-emits the dropped
	// event and its subscribers must not end up awaiting this monitor.
	go c.transport.Drop(client.Handle, protocol.ReasonTimedOut)

	c.logger.Debug("session timed out",
		zap.String("session", id.String()),
		zap.String("name", client.Name))
	return true
}
