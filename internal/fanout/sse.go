// SPDX-License-Identifier: MIT

package fanout

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bidbook/bidbook/internal/log"
)

// ServeSSE streams a session's rooms over Server-Sent Events. Rooms come
// from the repeated ?room= query parameter (or a comma-separated list);
// the subscription set is fixed for the life of the stream.
func (h *Hub) ServeSSE(keepalive time.Duration, w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), h.logger)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	rooms := sseRooms(r)
	if len(rooms) == 0 {
		http.Error(w, "at least one room required", http.StatusBadRequest)
		return
	}
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	s := h.Attach(r.Header.Get("X-User-Id"), r.Header.Get("X-User-Role"))
	defer h.Detach(ctx, s)
	for _, room := range rooms {
		if err := h.Join(ctx, s, room); err != nil {
			logger.Warn().Err(err).Str("room", room).Msg("sse subscribe failed")
		}
	}

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			// SSE comment; clients ignore it, proxies see traffic.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			s.touch(h.now())
		}
	}
}

func sseRooms(r *http.Request) []string {
	var rooms []string
	for _, v := range r.URL.Query()["room"] {
		for _, room := range strings.Split(v, ",") {
			if room = strings.TrimSpace(room); room != "" {
				rooms = append(rooms, room)
			}
		}
	}
	return rooms
}
