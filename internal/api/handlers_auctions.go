// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bidbook/bidbook/internal/auction"
	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/types"
)

type createAuctionRequest struct {
	Title               string      `json:"title"`
	StartingPrice       types.Cents `json:"startingPrice"`
	BidIncrement        types.Cents `json:"bidIncrement"`
	StartTime           time.Time   `json:"startTime"`
	EndTime             time.Time   `json:"endTime"`
	SnipeProtectionMins int         `json:"snipeProtectionMinutes"`
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	var req createAuctionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	dto, err := s.auctions.Create(r.Context(), auction.CreateParams{
		SellerID:        actor,
		Title:           req.Title,
		StartingPrice:   req.StartingPrice,
		BidIncrement:    req.BidIncrement,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		SnipeProtection: time.Duration(req.SnipeProtectionMins) * time.Minute,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	dto, err := s.auctions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

type placeBidRequest struct {
	Amount types.Cents `json:"amount"`
}

type bidResponse struct {
	*auction.BidResult
	Deduplicated bool `json:"deduplicated"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	var req placeBidRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, deduplicated, err := s.auctions.PlaceBid(r.Context(), auction.PlaceBidParams{
		AuctionID: chi.URLParam(r, "id"),
		ActorID:   actor,
		Amount:    req.Amount,
		ClientKey: idempotency.SanitizeClientKey(idempotencyKey(r)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, bidResponse{BidResult: result, Deduplicated: deduplicated})
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	bids, err := s.auctions.BidHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

type autoBidRequest struct {
	MaxAmount types.Cents `json:"maxAmount"`
}

func (s *Server) handleSetAutoBid(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	var req autoBidRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, deduplicated, err := s.auctions.SetAutoBid(r.Context(), auction.SetAutoBidParams{
		AuctionID: chi.URLParam(r, "id"),
		ActorID:   actor,
		MaxAmount: req.MaxAmount,
		ClientKey: idempotency.SanitizeClientKey(idempotencyKey(r)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleCancelAutoBid(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	if err := s.auctions.CancelAutoBid(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchAuction(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	watchers, err := s.auctions.Watch(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"watchers": watchers})
}

func (s *Server) handleUnwatchAuction(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	watchers, err := s.auctions.Unwatch(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"watchers": watchers})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	notes, err := s.auctions.Notifications(r.Context(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}
