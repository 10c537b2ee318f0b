// Package session is the connection lifecycle core: it tracks live sessions,
// persists their transitions, monitors each one for liveness and reconnect
// grace, and arbitrates the authoritative game host.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-server/internal/comms"
	"session-server/internal/protocol"
	"session-server/internal/storage"
	"session-server/internal/transport"
)

// Transport is the surface of the network layer the session core needs.
type Transport interface {
	// SinceLastSeen reports the client's idle time, ok=false when the
	// transport no longer tracks the handle.
	SinceLastSeen(handle int64) (time.Duration, bool)
	// Drop disconnects the client with a reason.
	Drop(handle int64, reason string)
	// Send pushes one named message to the client.
	Send(handle int64, event string, payload any) error
}

// PresenceRegistry mirrors live sessions for out-of-process collaborators.
type PresenceRegistry interface {
	SetLive(ctx context.Context, s storage.Session) error
	ClearLive(ctx context.Context, id uuid.UUID) error
}

// Config carries the lifecycle tuning knobs. Changing them mid-flight does
// not affect monitors already running.
type Config struct {
	MaxClients        int
	ConnectionTimeout time.Duration
	ReconnectGrace    time.Duration
	PollInterval      time.Duration

	ConsoleLogLevel string
	MirrorLogLevel  string
	Cultures        []string
	Timezone        string
}

// InitializeReply is returned to a client completing the initialize request.
type InitializeReply struct {
	ConsoleLogLevel string   `json:"console_log_level"`
	MirrorLogLevel  string   `json:"mirror_log_level"`
	Cultures        []string `json:"cultures"`
	Timezone        string   `json:"timezone"`
}

// Controller owns the session store and the monitor set. Per-user lifecycle
// transitions serialize on mu; a monitor is never awaited while mu is held.
type Controller struct {
	logger    *zap.Logger
	cfg       Config
	bus       *comms.Bus
	db        *storage.DB
	transport Transport
	presence  PresenceRegistry
	store     *Store

	mu       sync.Mutex
	monitors map[uuid.UUID]*monitor
}

func NewController(cfg Config, bus *comms.Bus, db *storage.DB, tr Transport, presence PresenceRegistry, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		logger:    logger,
		cfg:       cfg,
		bus:       bus,
		db:        db,
		transport: tr,
		presence:  presence,
		store:     NewStore(),
		monitors:  make(map[uuid.UUID]*monitor),
	}
}

// Store exposes the session registry for read-side collaborators.
func (c *Controller) Store() *Store {
	return c.store
}

// Start subscribes the controller to the transport events it consumes and
// installs the query responders.
func (c *Controller) Start() {
	c.bus.On(protocol.EventConnecting, func(m comms.Message) {
		client, _ := m.Arg(0).(transport.Client)
		deferral, _ := m.Arg(1).(*transport.Deferral)
		if deferral == nil {
			return
		}
		if err := c.Connect(context.Background(), client, deferral); err != nil {
			deferral.Reject("failed to create session")
		} else {
			deferral.Done()
		}
	})

	c.bus.On(protocol.EventDropped, func(m comms.Message) {
		client, _ := m.Arg(0).(transport.Client)
		reason, _ := m.Arg(1).(string)
		if reason == protocol.ReasonTimedOut {
			// The monitor stamped the session before asking the
			// transport to close this socket.
			return
		}
		if err := c.Disconnect(context.Background(), client, reason); err != nil {
			c.logger.Error("disconnect failed",
				zap.String("name", client.Name),
				zap.Error(err))
		}
	})

	c.bus.On(protocol.EventDisconnectRequest, func(m comms.Message) {
		client, _ := m.Arg(0).(transport.Client)
		reason, _ := m.Arg(1).(string)
		if reason == "" {
			reason = "disconnected"
		}
		c.transport.Drop(client.Handle, reason)
	})

	c.bus.OnRequest(protocol.EventInitializeRequest, func(m comms.Message) (any, error) {
		client, _ := m.Arg(0).(transport.Client)
		version, _ := m.Arg(1).(string)
		return c.Initialize(client, version)
	})

	c.bus.On(protocol.EventInitializedNotice, func(m comms.Message) {
		client, _ := m.Arg(0).(transport.Client)
		if err := c.Initialized(context.Background(), client); err != nil {
			c.logger.Error("initialized notice failed",
				zap.String("name", client.Name),
				zap.Error(err))
		}
	})

	c.bus.OnRequest(protocol.QueryMaxClients, func(comms.Message) (any, error) {
		return c.cfg.MaxClients, nil
	})
	c.bus.OnRequest(protocol.QuerySessionCount, func(comms.Message) (any, error) {
		return c.store.Count(), nil
	})
	c.bus.OnRequest(protocol.QueryCurrentSessions, func(comms.Message) (any, error) {
		return c.store.All(), nil
	})
}

// Connect admits one connecting client: user upsert and session row in one
// transaction, then store insert, monitor spawn, and the reconnection swap
// when a stale session is still tracked for the same identity.
func (c *Controller) Connect(ctx context.Context, client transport.Client, d *transport.Deferral) error {
	c.bus.Emit(protocol.EventClientConnecting, client, d)

	if client.Version != protocol.Version {
		c.logger.Warn("client version mismatch",
			zap.String("got", client.Version),
			zap.String("want", protocol.Version),
			zap.Int64("handle", client.Handle))
		d.Reject(protocol.ReasonVersionMismatch)
		return protocol.ErrVersionMismatch
	}

	if c.store.Count() >= c.cfg.MaxClients {
		c.logger.Warn("session count at capacity",
			zap.Int("max_clients", c.cfg.MaxClients))
	}

	var (
		user storage.User
		sess storage.Session
	)
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		existing, err := tx.FindUserByLicense(ctx, client.License)
		if err != nil {
			return err
		}
		if existing == nil {
			c.bus.Emit(protocol.EventUserCreating, client)
			user, err = tx.CreateUser(ctx, client.License, client.SteamID, client.Name)
			if err != nil {
				return err
			}
			c.bus.Emit(protocol.EventUserCreated, client, user)
		} else {
			user = *existing
			user.Name = client.Name
			if client.SteamID != 0 {
				user.SteamID = client.SteamID
			}
			if err := tx.UpdateUserDetails(ctx, user.ID, client.Name, client.SteamID); err != nil {
				return err
			}
		}

		c.bus.Emit(protocol.EventSessionCreating, client)
		sess, err = tx.CreateSession(ctx, user, client.EndPoint, client.Handle)
		return err
	})
	if err != nil {
		c.logger.Error("session creation failed",
			zap.String("name", client.Name),
			zap.String("license", client.License),
			zap.Error(err))
		return fmt.Errorf("create session for %q: %w", client.Name, err)
	}

	c.store.Upsert(sess)
	c.mu.Lock()
	c.spawnMonitorLocked(client, sess)
	c.mu.Unlock()

	c.bus.Emit(protocol.EventSessionCreated, client, sess, d)

	if stale, ok := c.staleSessionFor(user.ID, sess.ID); ok {
		c.reconnect(client, sess, stale)
	}

	c.bus.Emit(protocol.EventClientConnected, client, sess)
	c.setPresence(ctx, sess)

	c.logger.Debug("client connected",
		zap.String("session", sess.ID.String()),
		zap.String("name", user.Name),
		zap.String("address", sess.IPAddress))
	return nil
}

// staleSessionFor returns the oldest tracked session for the user other than
// the one just created. More than one live leftover means the store and
// reality diverged; that gets logged, not silently repaired.
func (c *Controller) staleSessionFor(userID, newID uuid.UUID) (storage.Session, bool) {
	var stale []storage.Session
	live := 0
	for _, s := range c.store.FindByUser(userID) {
		if s.ID == newID {
			continue
		}
		stale = append(stale, s)
		if s.IsLive() {
			live++
		}
	}
	if len(stale) == 0 {
		return storage.Session{}, false
	}
	if live > 1 {
		c.logger.Error("invariant violation",
			zap.String("user", userID.String()),
			zap.Int("live_sessions", live),
			zap.Error(protocol.ErrTooManyLiveSessions))
	}
	return stale[0], true
}

// reconnect replaces a stale session with the fresh one: the stale monitor
// is cancelled and awaited before the stale session leaves the store, so two
// monitors never conclude the same user's session differently.
func (c *Controller) reconnect(client transport.Client, fresh, stale storage.Session) {
	c.bus.Emit(protocol.EventClientReconnecting, client, fresh, stale)

	c.mu.Lock()
	m := c.monitors[stale.ID]
	delete(c.monitors, stale.ID)
	c.mu.Unlock()
	if m != nil {
		m.cancel()
		<-m.done
	}

	c.store.Remove(stale.ID)
	c.clearPresence(stale.ID)

	c.bus.Emit(protocol.EventClientReconnected, client, fresh, stale)

	c.logger.Debug("client reconnected",
		zap.String("user", stale.User.ID.String()),
		zap.String("old_session", stale.ID.String()),
		zap.String("new_session", fresh.ID.String()))
}

// Initialize answers the client's initialize request. The build check here
// is a backstop; connect already refused mismatched clients.
func (c *Controller) Initialize(client transport.Client, version string) (InitializeReply, error) {
	if version != protocol.Version {
		c.logger.Warn("client version mismatch at initialize",
			zap.String("got", version),
			zap.String("want", protocol.Version),
			zap.Int64("handle", client.Handle))
		c.transport.Drop(client.Handle, protocol.ReasonVersionMismatch)
		return InitializeReply{}, protocol.ErrVersionMismatch
	}

	c.bus.Emit(protocol.EventClientInitializing, client)

	return InitializeReply{
		ConsoleLogLevel: c.cfg.ConsoleLogLevel,
		MirrorLogLevel:  c.cfg.MirrorLogLevel,
		Cultures:        c.cfg.Cultures,
		Timezone:        c.cfg.Timezone,
	}, nil
}

// Initialized stamps the handshake-complete time on the user's single live
// session.
func (c *Controller) Initialized(ctx context.Context, client transport.Client) error {
	now := time.Now().UTC()

	c.mu.Lock()
	live := c.liveSessionsLocked(client.License)
	if len(live) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("initialized notice for %q: %w", client.Name, protocol.ErrNoLiveSession)
	}
	if len(live) > 1 {
		c.mu.Unlock()
		return fmt.Errorf("initialized notice for %q: %w", client.Name, protocol.ErrTooManyLiveSessions)
	}

	s := live[0]
	s.Connected = &now
	if err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.MarkConnected(ctx, s.ID, now)
	}); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist connected stamp: %w", err)
	}
	c.store.Upsert(s)
	c.mu.Unlock()

	c.bus.Emit(protocol.EventClientInitialized, client, s)

	c.logger.Debug("client initialized",
		zap.String("session", s.ID.String()),
		zap.String("name", client.Name))
	return nil
}

// Disconnect ends the user's live session with the given reason, then hands
// the session to a fresh monitor for the reconnect grace countdown.
func (c *Controller) Disconnect(ctx context.Context, client transport.Client, reason string) error {
	c.bus.Emit(protocol.EventClientDisconnecting, client)

	now := time.Now().UTC()

	c.mu.Lock()
	live := c.liveSessionsLocked(client.License)
	if len(live) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no session to end for disconnected user %q: %w", client.Name, protocol.ErrNoSessionToEnd)
	}
	if len(live) > 1 {
		c.logger.Error("invariant violation",
			zap.String("license", client.License),
			zap.Int("live_sessions", len(live)),
			zap.Error(protocol.ErrTooManyLiveSessions))
	}

	s := live[0]
	s.Disconnected = &now
	s.DisconnectReason = reason
	if err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.MarkDisconnected(ctx, s.ID, now, reason)
	}); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist disconnect: %w", err)
	}
	c.store.Upsert(s)
	m := c.monitors[s.ID]
	delete(c.monitors, s.ID)
	c.mu.Unlock()

	if m != nil {
		m.cancel()
		<-m.done
	}

	// Fresh monitor over the now-disconnected session runs the grace window,
	// unless a reconnect cleaned the session up while we awaited the old one.
	c.mu.Lock()
	if _, tracked := c.store.Get(s.ID); tracked {
		c.spawnMonitorLocked(client, s)
	}
	c.mu.Unlock()

	c.clearPresence(s.ID)
	c.bus.Emit(protocol.EventClientDisconnected, client, s)

	c.logger.Debug("client disconnected",
		zap.String("session", s.ID.String()),
		zap.String("name", client.Name),
		zap.String("reason", reason))
	return nil
}

// liveSessionsLocked returns the live sessions for an identity, oldest
// first. Caller holds c.mu.
func (c *Controller) liveSessionsLocked(license string) []storage.Session {
	var live []storage.Session
	for _, s := range c.store.FindByLicense(license) {
		if s.IsLive() {
			live = append(live, s)
		}
	}
	return live
}

// Shutdown cancels every monitor and waits for them to exit.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	monitors := make([]*monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		monitors = append(monitors, m)
	}
	c.monitors = make(map[uuid.UUID]*monitor)
	c.mu.Unlock()

	for _, m := range monitors {
		m.cancel()
	}
	for _, m := range monitors {
		<-m.done
	}
}

func (c *Controller) setPresence(ctx context.Context, s storage.Session) {
	if c.presence == nil {
		return
	}
	if err := c.presence.SetLive(ctx, s); err != nil {
		c.logger.Warn("presence update failed",
			zap.String("session", s.ID.String()),
			zap.Error(err))
	}
}

func (c *Controller) clearPresence(id uuid.UUID) {
	if c.presence == nil {
		return
	}
	if err := c.presence.ClearLive(context.Background(), id); err != nil {
		c.logger.Warn("presence clear failed",
			zap.String("session", id.String()),
			zap.Error(err))
	}
}
