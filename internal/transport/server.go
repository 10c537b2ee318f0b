// Package transport accepts websocket clients and translates their frames
// into comms events for the session core. It owns per-client last-seen
// bookkeeping; everything above it addresses clients by ephemeral handle.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"session-server/internal/comms"
	"session-server/internal/protocol"
)

const (
	helloTimeout   = 10 * time.Second
	admitTimeout   = 30 * time.Second
	closedByServer = "connection closed"
)

// Server is the websocket endpoint.
type Server struct {
	logger   *zap.Logger
	bus      *comms.Bus
	upgrader websocket.Upgrader

	nextHandle atomic.Int64

	mu    sync.RWMutex
	conns map[int64]*conn
}

type conn struct {
	client Client
	ws     *websocket.Conn

	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos
	dropped  atomic.Bool
}

func NewServer(bus *comms.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger,
		bus:    bus,
		conns:  make(map[int64]*conn),
	}
}

// Handler returns the websocket upgrade handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// ListenAndServe serves the endpoint on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/connect", s.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	hello, ok := s.readHello(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	handle := s.nextHandle.Add(1)
	client := Client{
		Handle:   handle,
		Name:     hello.Name,
		License:  hello.License,
		SteamID:  hello.SteamID,
		EndPoint: r.RemoteAddr,
		Version:  hello.Version,
	}

	c := &conn{client: client, ws: ws}
	c.touch()

	if reason := s.admit(client); reason != "" {
		s.writeEnvelope(c, protocol.ClientEventDrop, DropData{Reason: reason})
		_ = ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[handle] = c
	s.mu.Unlock()

	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, handle)
	s.mu.Unlock()
	_ = ws.Close()

	// Transport-level drops land here; explicit Drop calls already emitted.
	if c.dropped.CompareAndSwap(false, true) {
		s.bus.Emit(protocol.EventDropped, client, closedByServer)
	}
}

func (s *Server) readHello(ws *websocket.Conn) (Hello, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		s.logger.Warn("read hello failed", zap.Error(err))
		return Hello{}, false
	}
	if env.Event != frameHello {
		s.logger.Warn("first frame is not hello", zap.String("event", env.Event))
		return Hello{}, false
	}

	var hello Hello
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		s.logger.Warn("decode hello failed", zap.Error(err))
		return Hello{}, false
	}
	if hello.License == "" || hello.Name == "" {
		s.logger.Warn("hello missing license or name")
		return Hello{}, false
	}
	return hello, true
}

// admit emits the connecting event and waits for a lifecycle handler to
// resolve the deferral. Returns the rejection reason, empty on success.
func (s *Server) admit(client Client) string {
	d := NewDeferral()
	s.bus.Emit(protocol.EventConnecting, client, d)

	select {
	case reason := <-d.ch:
		return reason
	case <-time.After(admitTimeout):
		s.logger.Error("connection admission timed out",
			zap.Int64("handle", client.Handle),
			zap.String("name", client.Name))
		return "connection timed out"
	}
}

func (s *Server) readLoop(c *conn) {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.touch()
		s.dispatch(c, env)
	}
}

func (s *Server) dispatch(c *conn, env Envelope) {
	switch env.Event {
	case frameHeartbeat:
		s.writeEnvelope(c, frameHeartbeatAck, nil)

	case protocol.EventDisconnectRequest:
		var data DisconnectData
		_ = json.Unmarshal(env.Data, &data)
		s.bus.Emit(protocol.EventDisconnectRequest, c.client, data.Reason)

	case protocol.EventInitializeRequest:
		var data InitializeData
		_ = json.Unmarshal(env.Data, &data)
		reply, err := s.bus.Request(protocol.EventInitializeRequest, c.client, data.Version)
		if err != nil {
			s.logger.Warn("initialize request failed",
				zap.Int64("handle", c.client.Handle),
				zap.Error(err))
			return
		}
		s.writeEnvelope(c, protocol.EventInitializeRequest, reply)

	case protocol.EventInitializedNotice:
		s.bus.Emit(protocol.EventInitializedNotice, c.client)

	case protocol.EventHostClaim:
		s.bus.Emit(protocol.EventHostClaim, c.client)

	case protocol.EventHostConfirmed:
		s.bus.Emit(protocol.EventHostConfirmed, c.client)

	default:
		s.logger.Warn("unknown event",
			zap.String("event", env.Event),
			zap.Int64("handle", c.client.Handle))
	}
}

func (s *Server) writeEnvelope(c *conn, event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("encode envelope failed",
				zap.String("event", event), zap.Error(err))
			return
		}
		data = encoded
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		s.logger.Warn("write envelope failed",
			zap.String("event", event),
			zap.Int64("handle", c.client.Handle),
			zap.Error(err))
	}
}

func (c *conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// SinceLastSeen reports how long ago the client last sent any frame.
func (s *Server) SinceLastSeen(handle int64) (time.Duration, bool) {
	s.mu.RLock()
	c, ok := s.conns[handle]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(time.Unix(0, c.lastSeen.Load())), true
}

// Drop disconnects the client with an explicit reason. The dropped event is
// emitted exactly once per connection, from whichever path closes it first.
func (s *Server) Drop(handle int64, reason string) {
	s.mu.RLock()
	c, ok := s.conns[handle]
	s.mu.RUnlock()
	if !ok {
		return
	}

	if !c.dropped.CompareAndSwap(false, true) {
		return
	}
	s.writeEnvelope(c, protocol.ClientEventDrop, DropData{Reason: reason})
	_ = c.ws.Close()
	s.bus.Emit(protocol.EventDropped, c.client, reason)
}

// Send pushes one envelope to a single client.
func (s *Server) Send(handle int64, event string, payload any) error {
	s.mu.RLock()
	c, ok := s.conns[handle]
	s.mu.RUnlock()
	if !ok {
		return protocol.ErrSessionNotFound
	}
	s.writeEnvelope(c, event, payload)
	return nil
}
