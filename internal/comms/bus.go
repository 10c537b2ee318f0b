// Package comms is the in-process event boundary between the transport layer,
// the session core, and other server add-ons. Notifications are fire and
// forget; requests expect exactly one registered responder.
package comms

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Message carries one event occurrence to a handler.
type Message struct {
	Event string
	Args  []any
}

// Arg returns the i-th argument, or nil when absent.
func (m Message) Arg(i int) any {
	if i < 0 || i >= len(m.Args) {
		return nil
	}
	return m.Args[i]
}

type Handler func(Message)

type RequestHandler func(Message) (any, error)

// Bus dispatches named events to registered handlers. Handlers run
// synchronously in registration order so bracketing notifications
// (connecting before connected, reconnecting before reconnected) observe a
// stable order.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	requests map[string]RequestHandler
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]Handler),
		requests: make(map[string]RequestHandler),
	}
}

// On subscribes h to event.
func (b *Bus) On(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[event] = append(b.handlers[event], h)
}

// Emit delivers a notification to every subscriber of event.
func (b *Bus) Emit(event string, args ...any) {
	b.mu.RLock()
	hs := b.handlers[event]
	b.mu.RUnlock()

	for _, h := range hs {
		h(Message{Event: event, Args: args})
	}
}

// OnRequest installs the responder for event. The last registration wins.
func (b *Bus) OnRequest(event string, h RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.requests[event]; exists {
		b.logger.Warn("request handler replaced", zap.String("event", event))
	}
	b.requests[event] = h
}

// Request invokes the responder for event and returns its reply.
func (b *Bus) Request(event string, args ...any) (any, error) {
	b.mu.RLock()
	h, ok := b.requests[event]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no responder for event %s", event)
	}
	return h(Message{Event: event, Args: args})
}
