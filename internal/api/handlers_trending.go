// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bidbook/bidbook/internal/fault"
)

func (s *Server) handleRecordView(w http.ResponseWriter, r *http.Request) {
	counted, err := s.trending.RecordView(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"counted": counted})
}

func (s *Server) handleVideoViews(w http.ResponseWriter, r *http.Request) {
	total, err := s.trending.TotalViews(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"totalViews": total})
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	entries, updatedAt, err := s.trending.Snapshot(category)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			// No snapshot yet: an empty board, not an error.
			writeJSON(w, http.StatusOK, map[string]any{"videos": []struct{}{}, "updatedAt": nil})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": entries, "updatedAt": updatedAt})
}

// handleTrendingStats reports snapshot sizes, the last recompute time and
// live subscriber counts per trending room.
func (s *Server) handleTrendingStats(w http.ResponseWriter, r *http.Request) {
	cats, updatedAt := s.trending.Stats()
	type categoryStats struct {
		Category    string `json:"category"`
		Entries     int    `json:"entries"`
		Subscribers int    `json:"subscribers"`
	}
	out := make([]categoryStats, 0, len(cats))
	for _, c := range cats {
		out = append(out, categoryStats{
			Category:    c.Category,
			Entries:     c.Entries,
			Subscribers: s.hub.RoomSize("trending:" + c.Category),
		})
	}
	var at any
	if !updatedAt.IsZero() {
		at = updatedAt
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out, "updatedAt": at})
}

// handleTrendingStream serves the trending SSE feed: the client is joined
// to the category rooms it asked for via the shared SSE gateway.
func (s *Server) handleTrendingStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if len(q["room"]) == 0 {
		category := q.Get("category")
		if category == "" {
			category = "all"
		}
		q.Set("room", "trending:"+category)
		r.URL.RawQuery = q.Encode()
	}
	s.hub.ServeSSE(s.sseKeepalive, w, r)
}
