// SPDX-License-Identifier: MIT

package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers enforce same-origin on the page that opens the socket;
	// auth happens at the subscribe level, not the handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is the only inbound message shape the gateway accepts.
type clientFrame struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ServeWS upgrades the request and runs the session until either side
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), h.logger)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := h.Attach(r.Header.Get("X-User-Id"), r.Header.Get("X-User-Role"))
	defer h.Detach(r.Context(), s)

	go h.writePump(conn, s)
	h.readPump(r.Context(), conn, s)
}

// readPump consumes client frames. Any read error ends the session.
func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, s *Session) {
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxMessageSize)
	wait := 2 * h.cfg.HeartbeatInterval
	_ = conn.SetReadDeadline(h.now().Add(wait))
	conn.SetPongHandler(func(string) error {
		s.touch(h.now())
		return conn.SetReadDeadline(h.now().Add(wait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch(h.now())
		_ = conn.SetReadDeadline(h.now().Add(wait))
		if !s.inward.Allow() {
			h.reject(s, "too many frames")
			continue
		}

		h.handleFrame(ctx, s, data)
	}
}

// handleFrame dispatches one inbound control frame.
func (h *Hub) handleFrame(ctx context.Context, s *Session, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.reject(s, "malformed frame")
		return
	}
	switch frame.Type {
	case "subscribe":
		if frame.Room == "" {
			h.reject(s, "room required")
			return
		}
		if err := h.Join(ctx, s, frame.Room); err != nil {
			h.reject(s, "subscribe failed")
		}
	case "unsubscribe":
		if frame.Room == "" {
			h.reject(s, "room required")
			return
		}
		h.Leave(ctx, s, frame.Room)
	case "ping":
		if data, err := json.Marshal(map[string]string{"type": "pong"}); err == nil {
			s.enqueue(data)
		}
	default:
		h.reject(s, "unknown message type")
	}
}

// writePump drains the send channel into the socket and keeps the
// protocol-level ping going.
func (h *Hub) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			_ = conn.SetWriteDeadline(h.now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(h.now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) reject(s *Session, reason string) {
	if data, err := json.Marshal(bus.ErrorMessage{Type: bus.TypeError, Reason: reason}); err == nil {
		s.enqueue(data)
	}
}
