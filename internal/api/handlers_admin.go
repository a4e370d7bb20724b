// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

type createHotelRequest struct {
	Name string `json:"name"`
	City string `json:"city"`
}

func (s *Server) handleCreateHotel(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" || !isPrivileged(r) {
		writeError(w, r, fault.Forbidden("owner role required"))
		return
	}
	var req createHotelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, fault.BadRequest("hotel name required"))
		return
	}
	h := &store.Hotel{
		ID:        uuid.NewString(),
		OwnerID:   actor,
		Name:      req.Name,
		City:      req.City,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateHotel(r.Context(), h); err != nil {
		writeError(w, r, fault.Internal(err, "create hotel failed"))
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

type createRoomTypeRequest struct {
	Name       string      `json:"name"`
	Capacity   int         `json:"capacity"`
	TotalCount int         `json:"totalCount"`
	BasePrice  types.Cents `json:"basePrice"`
}

func (s *Server) handleCreateRoomType(w http.ResponseWriter, r *http.Request) {
	if !isPrivileged(r) {
		writeError(w, r, fault.Forbidden("owner role required"))
		return
	}
	var req createRoomTypeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" || req.TotalCount < 1 || req.BasePrice <= 0 {
		writeError(w, r, fault.BadRequest("name, positive totalCount and basePrice required"))
		return
	}
	rt := &store.RoomType{
		ID:         uuid.NewString(),
		HotelID:    chi.URLParam(r, "hotelID"),
		Name:       req.Name,
		Capacity:   req.Capacity,
		TotalCount: req.TotalCount,
		BasePrice:  req.BasePrice,
		IsActive:   true,
	}
	if err := s.store.CreateRoomType(r.Context(), rt); err != nil {
		writeError(w, r, fault.Internal(err, "create room type failed"))
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) handleDeleteRoomType(w http.ResponseWriter, r *http.Request) {
	if !isPrivileged(r) {
		writeError(w, r, fault.Forbidden("owner role required"))
		return
	}
	if err := s.store.DeleteRoomType(r.Context(), chi.URLParam(r, "roomTypeID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type priceOverrideRequest struct {
	Date  string      `json:"date"`
	Price types.Cents `json:"price"`
}

func (s *Server) handleSetPriceOverride(w http.ResponseWriter, r *http.Request) {
	if !isPrivileged(r) {
		writeError(w, r, fault.Forbidden("owner role required"))
		return
	}
	var req priceOverrideRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := types.ParseDate(req.Date)
	if err != nil {
		writeError(w, r, fault.BadRequest("invalid date: %v", err))
		return
	}
	if req.Price <= 0 {
		writeError(w, r, fault.BadRequest("price must be positive"))
		return
	}
	roomTypeID := chi.URLParam(r, "roomTypeID")
	if err := s.store.SetPriceOverride(r.Context(), store.PriceOverride{
		RoomTypeID: roomTypeID,
		Date:       date,
		Price:      req.Price,
	}); err != nil {
		writeError(w, r, fault.Internal(err, "set price override failed"))
		return
	}
	// Pricing feeds the cached availability quotes covering that day.
	s.availability.Invalidate(r.Context(), roomTypeID, date, date.AddDays(1))
	w.WriteHeader(http.StatusNoContent)
}

type createVideoRequest struct {
	Category string `json:"category"`
	Title    string `json:"title"`
}

func (s *Server) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	if !isPrivileged(r) {
		writeError(w, r, fault.Forbidden("admin role required"))
		return
	}
	var req createVideoRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Category == "" || req.Title == "" {
		writeError(w, r, fault.BadRequest("category and title required"))
		return
	}
	v := &store.Video{ID: uuid.NewString(), Category: req.Category, Title: req.Title}
	if err := s.store.CreateVideo(r.Context(), v); err != nil {
		writeError(w, r, fault.Internal(err, "create video failed"))
		return
	}
	writeJSON(w, http.StatusCreated, v)
}
