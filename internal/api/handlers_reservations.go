// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/reservation"
	"github.com/bidbook/bidbook/internal/types"
)

type createReservationRequest struct {
	HotelID    string `json:"hotelId"`
	RoomTypeID string `json:"roomTypeId"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	RoomCount  int    `json:"roomCount"`
	GuestCount int    `json:"guestCount"`
}

type reservationResponse struct {
	*reservation.Reservation
	Deduplicated bool `json:"deduplicated"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	var req createReservationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	checkIn, err := types.ParseDate(req.CheckIn)
	if err != nil {
		writeError(w, r, fault.BadRequest("invalid checkIn: %v", err))
		return
	}
	checkOut, err := types.ParseDate(req.CheckOut)
	if err != nil {
		writeError(w, r, fault.BadRequest("invalid checkOut: %v", err))
		return
	}

	res, deduplicated, err := s.reservations.Create(r.Context(), reservation.CreateParams{
		ActorID:    actor,
		HotelID:    req.HotelID,
		RoomTypeID: req.RoomTypeID,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		RoomCount:  req.RoomCount,
		GuestCount: req.GuestCount,
		ClientKey:  idempotency.SanitizeClientKey(idempotencyKey(r)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, reservationResponse{Reservation: res, Deduplicated: deduplicated})
}

type confirmReservationRequest struct {
	PaymentID string `json:"paymentId"`
}

func (s *Server) handleConfirmReservation(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	var req confirmReservationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.reservations.Confirm(r.Context(), chi.URLParam(r, "id"), req.PaymentID, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	res, err := s.reservations.Cancel(r.Context(), chi.URLParam(r, "id"), actor, isPrivileged(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, r, fault.Forbidden("authentication required"))
		return
	}
	res, err := s.reservations.Get(r.Context(), chi.URLParam(r, "id"), actor, isPrivileged(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	checkIn, err := types.ParseDate(q.Get("checkIn"))
	if err != nil {
		writeError(w, r, fault.BadRequest("invalid checkIn: %v", err))
		return
	}
	checkOut, err := types.ParseDate(q.Get("checkOut"))
	if err != nil {
		writeError(w, r, fault.BadRequest("invalid checkOut: %v", err))
		return
	}
	rooms := 1
	if v := q.Get("rooms"); v != "" {
		if rooms, err = strconv.Atoi(v); err != nil || rooms < 1 {
			writeError(w, r, fault.BadRequest("rooms must be a positive integer"))
			return
		}
	}
	result, err := s.availability.Check(r.Context(), chi.URLParam(r, "roomTypeID"), checkIn, checkOut, rooms)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAvailabilityCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil || year < 2000 || year > 2200 {
		writeError(w, r, fault.BadRequest("invalid year"))
		return
	}
	month, err := strconv.Atoi(q.Get("month"))
	if err != nil || month < 1 || month > 12 {
		writeError(w, r, fault.BadRequest("invalid month"))
		return
	}
	cal, err := s.availability.Month(r.Context(), chi.URLParam(r, "roomTypeID"), year, time.Month(month))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}
