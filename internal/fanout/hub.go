// SPDX-License-Identifier: MIT

// Package fanout is the real-time gateway: it owns the WebSocket and SSE
// sessions of this instance, their room memberships, and the delivery of
// bus messages into session send buffers. Delivery is non-blocking; a
// slow consumer loses messages, never stalls the hub.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/metrics"
)

// StateLoader produces the STATE_SYNC payload for a freshly joined room.
// A nil payload with nil error means the room has no sync state.
type StateLoader func(ctx context.Context, room string) (json.RawMessage, error)

// Config tunes the hub.
type Config struct {
	HeartbeatInterval time.Duration // liveness sweep cadence
	SessionSendBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SessionSendBuffer: 64,
	}
}

// Session is one connected client. The send channel is the only path to
// the client; hub code never writes to the transport directly.
type Session struct {
	ID     string
	Actor  string // caller identity from the edge; empty for anonymous
	Role   string
	send   chan []byte
	inward *rate.Limiter // caps inbound control frames per session

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastSeen time.Time
	closed   bool
}

// touch records client liveness (any inbound frame, pong, or SSE tick).
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// enqueue hands a message to the session without blocking. Reports
// whether the message was accepted.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub tracks sessions and rooms for this instance.
type Hub struct {
	sub    *bus.Subscriber
	state  StateLoader
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[*Session]struct{}
}

// NewHub wires the hub. The bus subscriber must be built with
// hub.HandleBusMessage as its handler.
func NewHub(state StateLoader, cfg Config, logger zerolog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SessionSendBuffer <= 0 {
		cfg.SessionSendBuffer = 64
	}
	return &Hub{
		state:    state,
		cfg:      cfg,
		logger:   logger.With().Str(log.FieldComponent, "fanout").Logger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[*Session]struct{}),
	}
}

// SetSubscriber attaches the bus subscriber after construction; the hub
// and subscriber reference each other, so one side has to be late-bound.
func (h *Hub) SetSubscriber(sub *bus.Subscriber) { h.sub = sub }

// WithClock overrides the hub clock; used by tests.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Attach registers a new session for the given caller.
func (h *Hub) Attach(actor, role string) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Actor:    actor,
		Role:     role,
		send:     make(chan []byte, h.cfg.SessionSendBuffer),
		inward:   rate.NewLimiter(rate.Limit(10), 20),
		rooms:    make(map[string]struct{}),
		lastSeen: h.now(),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	metrics.FanoutSessions.Inc()

	if data, err := json.Marshal(bus.Connected{Type: bus.TypeConnected, SessionID: s.ID}); err == nil {
		s.enqueue(data)
	}
	h.logger.Debug().Str("session_id", s.ID).Str("actor", actor).Msg("session attached")
	return s
}

// Detach removes the session from every room and closes its channel.
func (h *Hub) Detach(ctx context.Context, s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()
	for _, room := range rooms {
		h.removeFromRoom(s, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		if h.sub != nil {
			h.sub.Unsubscribe(ctx, room)
		}
	}
	s.close()
	metrics.FanoutSessions.Dec()
	h.logger.Debug().Str("session_id", s.ID).Msg("session detached")
}

// Join adds the session to a room and delivers the room's STATE_SYNC.
func (h *Hub) Join(ctx context.Context, s *Session, room string) error {
	if h.sub != nil {
		if err := h.sub.Subscribe(ctx, room); err != nil {
			return err
		}
	}
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Session]struct{})
	}
	h.rooms[room][s] = struct{}{}
	h.mu.Unlock()
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()

	msg := bus.StateSync{Type: bus.TypeStateSync, Room: room}
	if h.state != nil {
		state, err := h.state(ctx, room)
		if err != nil {
			h.logger.Warn().Err(err).Str("room", room).Msg("state sync load failed")
		} else {
			msg.State = state
		}
	}
	if data, err := json.Marshal(msg); err == nil {
		if !s.enqueue(data) {
			metrics.IncFanoutDrop(room, "backpressure")
		}
	}
	return nil
}

// Leave removes the session from a room.
func (h *Hub) Leave(ctx context.Context, s *Session, room string) {
	h.mu.Lock()
	h.removeFromRoom(s, room)
	h.mu.Unlock()
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	if h.sub != nil {
		h.sub.Unsubscribe(ctx, room)
	}
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(s *Session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// HandleBusMessage is the bus.Handler: it fans a room's message out to
// the local members.
func (h *Hub) HandleBusMessage(room string, payload []byte) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &envelope)

	for _, s := range members {
		if s.enqueue(payload) {
			metrics.FanoutMessages.WithLabelValues(envelope.Type).Inc()
		} else {
			metrics.IncFanoutDrop(room, "backpressure")
		}
	}
}

// RoomSize reports the local member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Run sweeps dead sessions until the context is cancelled. A session
// silent for two heartbeat intervals is detached.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll(ctx)
			return ctx.Err()
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	deadline := h.now().Add(-2 * h.cfg.HeartbeatInterval)
	h.mu.RLock()
	var dead []*Session
	for _, s := range h.sessions {
		s.mu.Lock()
		if s.lastSeen.Before(deadline) {
			dead = append(dead, s)
		}
		s.mu.Unlock()
	}
	h.mu.RUnlock()
	for _, s := range dead {
		h.logger.Info().Str("session_id", s.ID).Msg("session timed out")
		h.Detach(ctx, s)
	}
}

func (h *Hub) closeAll(ctx context.Context) {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.Detach(ctx, s)
	}
}
