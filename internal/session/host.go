package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"session-server/internal/comms"
	"session-server/internal/protocol"
	"session-server/internal/transport"
)

// HostConfig tunes host arbitration.
type HostConfig struct {
	// SettleDelay is how long a provisional claim stays open for the
	// claimant to confirm before the slot is released.
	SettleDelay time.Duration
	// LivenessWindow bounds how recently a holder must have been heard
	// from to still count as present.
	LivenessWindow time.Duration
}

// HostCoordinator elects the single client that runs the authoritative
// world. A claim is provisional until confirmed; while one is pending other
// claimants queue and are told to retry once the slot settles.
type HostCoordinator struct {
	logger    *zap.Logger
	cfg       HostConfig
	bus       *comms.Bus
	transport Transport

	mu      sync.Mutex
	claim   *int64
	host    *int64
	waiting []int64
	gen     int
	timer   *time.Timer
}

type hostResult struct {
	Verdict string `json:"verdict"`
}

func NewHostCoordinator(cfg HostConfig, bus *comms.Bus, tr Transport, logger *zap.Logger) *HostCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostCoordinator{
		logger:    logger,
		cfg:       cfg,
		bus:       bus,
		transport: tr,
	}
}

// Start subscribes the coordinator to claim and confirmation events.
func (h *HostCoordinator) Start() {
	h.bus.On(protocol.EventHostClaim, func(m comms.Message) {
		client, _ := m.Arg(0).(transport.Client)
		h.Claim(client)
	})
	h.bus.On(protocol.EventHostConfirmed, func(m comms.Message) {
		client, _ := m.Arg(0).(transport.Client)
		h.Confirm(client)
	})
}

// Claim arbitrates one host request and replies with a verdict: "go" to
// start hosting, "conflict" when a responsive holder already exists, "wait"
// while another claim is pending, or "free" later once the slot reopens.
func (h *HostCoordinator) Claim(client transport.Client) {
	handle := client.Handle

	h.mu.Lock()
	var verdict string
	switch {
	case h.claim == nil:
		if h.host != nil && *h.host != handle && h.responsive(*h.host) {
			verdict = protocol.HostResultConflict
			break
		}
		h.electLocked(handle)
		verdict = protocol.HostResultGo
	case *h.claim == handle:
		verdict = protocol.HostResultGo
	case h.responsive(*h.claim):
		verdict = protocol.HostResultConflict
	default:
		h.waiting = append(h.waiting, handle)
		verdict = protocol.HostResultWait
	}
	h.mu.Unlock()

	if verdict == protocol.HostResultGo {
		h.bus.Emit(protocol.EventHostingSession, client)
	}

	h.logger.Debug("host claim arbitrated",
		zap.Int64("handle", handle),
		zap.String("verdict", verdict))
	h.send(handle, verdict)
}

// Confirm records the claimant as the standing host and reopens the slot
// for anyone queued behind the claim.
func (h *HostCoordinator) Confirm(client transport.Client) {
	handle := client.Handle

	h.mu.Lock()
	if h.claim != nil && *h.claim != handle {
		h.mu.Unlock()
		h.logger.Warn("host confirmation from non-claimant",
			zap.Int64("handle", handle))
		return
	}
	h.host = &handle
	h.claim = nil
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
	queued := h.waiting
	h.waiting = nil
	h.mu.Unlock()

	h.bus.Emit(protocol.EventHostedSession, client)

	h.logger.Debug("host confirmed", zap.Int64("handle", handle))
	h.flush(queued)
}

// electLocked takes the claim slot for handle and arms the settle timer.
// Caller holds h.mu.
func (h *HostCoordinator) electLocked(handle int64) {
	h.claim = &handle
	h.waiting = nil
	h.gen++
	gen := h.gen
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.cfg.SettleDelay, func() {
		h.release(gen)
	})
}

// release abandons a claim that was never confirmed and notifies the queue
// that the slot is free. Stale generations are ignored.
func (h *HostCoordinator) release(gen int) {
	h.mu.Lock()
	if h.gen != gen || h.claim == nil {
		h.mu.Unlock()
		return
	}
	h.logger.Debug("host claim settled without confirmation",
		zap.Int64("handle", *h.claim))
	h.claim = nil
	h.timer = nil
	queued := h.waiting
	h.waiting = nil
	h.mu.Unlock()

	h.flush(queued)
}

func (h *HostCoordinator) flush(queued []int64) {
	for _, handle := range queued {
		h.send(handle, protocol.HostResultFree)
	}
}

func (h *HostCoordinator) send(handle int64, verdict string) {
	if err := h.transport.Send(handle, protocol.ClientEventHostResult, hostResult{Verdict: verdict}); err != nil {
		h.logger.Warn("host verdict delivery failed",
			zap.Int64("handle", handle),
			zap.Error(err))
	}
}

// responsive reports whether the transport heard from handle within the
// liveness window.
func (h *HostCoordinator) responsive(handle int64) bool {
	idle, seen := h.transport.SinceLastSeen(handle)
	return seen && idle <= h.cfg.LivenessWindow
}
