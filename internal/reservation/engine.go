// SPDX-License-Identifier: MIT

// Package reservation implements the resource-reservation engine: the
// transactional claim of room-night inventory under contention. The write
// protocol is idempotency check, advisory lock, immediate DB transaction
// with the authoritative availability recompute, cache invalidation, bus
// publish, idempotency stamp.
package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/availability"
	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/lock"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

// Config tunes the engine.
type Config struct {
	HoldDuration time.Duration // how long a reserved hold lasts before expiry
	LockOptions  lock.Options
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HoldDuration: 15 * time.Minute,
		LockOptions:  lock.DefaultOptions(),
	}
}

// Engine orchestrates the reservation write path.
type Engine struct {
	store  *store.Store
	locks  *lock.Manager
	idem   *idempotency.Cache
	avail  *availability.Calculator
	pub    *bus.Publisher
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New wires the engine. Collaborators are passed explicitly; there is no
// module-level state.
func New(st *store.Store, locks *lock.Manager, idem *idempotency.Cache, avail *availability.Calculator, pub *bus.Publisher, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = 15 * time.Minute
	}
	return &Engine{
		store:  st,
		locks:  locks,
		idem:   idem,
		avail:  avail,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the engine clock; used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateParams are the inputs of a reservation attempt.
type CreateParams struct {
	ActorID    string
	HotelID    string
	RoomTypeID string
	CheckIn    types.Date
	CheckOut   types.Date
	RoomCount  int
	GuestCount int
	ClientKey  string // optional client-supplied idempotency key
}

// Reservation is the wire DTO memoized under the idempotency key. Replays
// return these bytes verbatim.
type Reservation struct {
	ID            string                  `json:"id"`
	UserID        string                  `json:"userId"`
	HotelID       string                  `json:"hotelId"`
	RoomTypeID    string                  `json:"roomTypeId"`
	CheckIn       types.Date              `json:"checkIn"`
	CheckOut      types.Date              `json:"checkOut"`
	RoomCount     int                     `json:"roomCount"`
	GuestCount    int                     `json:"guestCount"`
	TotalPrice    types.Cents             `json:"totalPrice"`
	Status        store.ReservationStatus `json:"status"`
	ReservedUntil time.Time               `json:"reservedUntil"`
	CreatedAt     time.Time               `json:"createdAt"`
}

func toDTO(r *store.Reservation) *Reservation {
	return &Reservation{
		ID:            r.ID,
		UserID:        r.UserID,
		HotelID:       r.HotelID,
		RoomTypeID:    r.RoomTypeID,
		CheckIn:       r.CheckIn,
		CheckOut:      r.CheckOut,
		RoomCount:     r.RoomCount,
		GuestCount:    r.GuestCount,
		TotalPrice:    r.TotalPrice,
		Status:        r.Status,
		ReservedUntil: r.ReservedUntil,
		CreatedAt:     r.CreatedAt,
	}
}

func (p CreateParams) validate() error {
	switch {
	case p.ActorID == "":
		return fault.BadRequest("actor id required")
	case p.RoomTypeID == "":
		return fault.BadRequest("room type id required")
	case p.CheckIn.IsZero() || p.CheckOut.IsZero():
		return fault.BadRequest("check-in and check-out dates required")
	case !p.CheckIn.Before(p.CheckOut):
		return fault.BadRequest("check_out must be after check_in")
	case p.RoomCount < 1:
		return fault.BadRequest("room count must be >= 1")
	case p.GuestCount < 1:
		return fault.BadRequest("guest count must be >= 1")
	}
	return nil
}

// Create runs the full reservation protocol. The bool result reports
// whether the response was deduplicated from an earlier identical attempt.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Reservation, bool, error) {
	logger := log.WithContext(ctx, e.logger)
	if err := p.validate(); err != nil {
		metrics.Reservations.WithLabelValues("bad_request").Inc()
		return nil, false, err
	}

	key := p.ClientKey
	if key == "" {
		key = idempotency.DeriveKey(p.ActorID, p.RoomTypeID,
			p.CheckIn.String(), p.CheckOut.String(), fmt.Sprint(p.RoomCount))
	}

	outcome, memo, err := e.idem.Reserve(ctx, key)
	if err != nil {
		return nil, false, fault.Internal(err, "idempotency reserve failed")
	}
	switch outcome {
	case idempotency.Completed:
		var r Reservation
		if err := json.Unmarshal(memo, &r); err != nil {
			return nil, false, fault.Internal(err, "memoized reservation corrupt")
		}
		metrics.Reservations.WithLabelValues("deduplicated").Inc()
		return &r, true, nil
	case idempotency.InProgress:
		metrics.Reservations.WithLabelValues("in_progress").Inc()
		return nil, false, fault.Conflict("an identical request is in progress")
	}

	lockName := fmt.Sprintf("resource:%s:%s:%s", p.RoomTypeID, p.CheckIn, p.CheckOut)
	var created *store.Reservation
	err = e.locks.WithLock(ctx, lockName, e.cfg.LockOptions, func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			created, txErr = e.reserveTx(ctx, tx, p, key)
			return txErr
		})
	})
	if err != nil {
		e.idem.Abandon(ctx, key)
		if errors.Is(err, lock.ErrLockUnavailable) {
			metrics.Reservations.WithLabelValues("lock_unavailable").Inc()
			return nil, false, fault.LockUnavailable(e.cfg.LockOptions.BaseDelay)
		}
		if fault.KindOf(err) == fault.KindInternal {
			metrics.Reservations.WithLabelValues("error").Inc()
		} else {
			metrics.Reservations.WithLabelValues(string(fault.KindOf(err))).Inc()
		}
		return nil, false, err
	}

	// Post-COMMIT: invalidation and publish are best-effort, the DB row is
	// the point of record.
	e.avail.Invalidate(ctx, p.RoomTypeID, p.CheckIn, p.CheckOut)
	e.pub.Publish(ctx, bus.ResourceRoom(p.RoomTypeID), bus.ReservationCreated{
		Type:          bus.TypeReservationCreated,
		ReservationID: created.ID,
		RoomTypeID:    created.RoomTypeID,
		CheckIn:       created.CheckIn,
		CheckOut:      created.CheckOut,
		RoomCount:     created.RoomCount,
		TotalPrice:    created.TotalPrice,
		CreatedAt:     created.CreatedAt,
	})

	dto := toDTO(created)
	if data, merr := json.Marshal(dto); merr == nil {
		if perr := e.idem.Publish(ctx, key, data); perr != nil {
			logger.Warn().Err(perr).Str("reservation_id", created.ID).Msg("idempotency publish failed")
		}
	}

	metrics.Reservations.WithLabelValues("created").Inc()
	logger.Info().
		Str("event", "reservation.created").
		Str("reservation_id", created.ID).
		Str("room_type_id", created.RoomTypeID).
		Int("room_count", created.RoomCount).
		Msg("reservation created")
	return dto, false, nil
}

// reserveTx is the decisive section: the availability recompute and the
// insert happen under the database writer lock.
func (e *Engine) reserveTx(ctx context.Context, tx *sql.Tx, p CreateParams, key string) (*store.Reservation, error) {
	rt, err := e.store.RoomTypeTx(ctx, tx, p.RoomTypeID)
	if err != nil {
		return nil, err
	}
	if !rt.IsActive {
		return nil, fault.NotFound("room type is not active")
	}
	if p.HotelID != "" && p.HotelID != rt.HotelID {
		return nil, fault.BadRequest("room type does not belong to hotel")
	}

	maxBooked, err := e.store.MaxDailyBooked(ctx, tx, p.RoomTypeID, p.CheckIn, p.CheckOut)
	if err != nil {
		return nil, err
	}
	available := rt.TotalCount - maxBooked
	if available < p.RoomCount {
		return nil, fault.Unavailable(available, "only %d rooms available", available)
	}

	overrides, err := e.store.PriceOverrides(ctx, tx, p.RoomTypeID, p.CheckIn, p.CheckOut)
	if err != nil {
		return nil, err
	}
	var nightly types.Cents
	for d := p.CheckIn; d.Before(p.CheckOut); d = d.AddDays(1) {
		if price, ok := overrides[d.String()]; ok {
			nightly += price
		} else {
			nightly += rt.BasePrice
		}
	}

	now := e.now().UTC()
	r := &store.Reservation{
		ID:             uuid.NewString(),
		UserID:         p.ActorID,
		HotelID:        rt.HotelID,
		RoomTypeID:     p.RoomTypeID,
		CheckIn:        p.CheckIn,
		CheckOut:       p.CheckOut,
		RoomCount:      p.RoomCount,
		GuestCount:     p.GuestCount,
		TotalPrice:     nightly * types.Cents(p.RoomCount),
		Status:         store.StatusReserved,
		IdempotencyKey: key,
		ReservedUntil:  now.Add(e.cfg.HoldDuration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.InsertReservation(ctx, tx, r); err != nil {
		return nil, fault.Internal(err, "insert reservation failed")
	}
	return r, nil
}

// Confirm transitions a reserved hold to confirmed on payment.
func (e *Engine) Confirm(ctx context.Context, reservationID, paymentID, actorID string) (*Reservation, error) {
	if paymentID == "" {
		return nil, fault.BadRequest("payment id required")
	}
	r, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.UserID != actorID {
		return nil, fault.Forbidden("reservation belongs to another user")
	}
	if err := e.store.ConfirmReservation(ctx, reservationID, paymentID, e.now().UTC()); err != nil {
		return nil, err
	}
	r, err = e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	logger := log.WithContext(ctx, e.logger)
	logger.Info().
		Str("event", "reservation.confirmed").
		Str("reservation_id", reservationID).
		Msg("reservation confirmed")
	return toDTO(r), nil
}

// Cancel transitions reserved|confirmed to cancelled and releases the
// inventory by invalidating the covering caches.
func (e *Engine) Cancel(ctx context.Context, reservationID, actorID string, privileged bool) (*Reservation, error) {
	r, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !privileged && r.UserID != actorID {
		return nil, fault.Forbidden("reservation belongs to another user")
	}
	cancelled, err := e.store.CancelReservation(ctx, reservationID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.avail.Invalidate(ctx, cancelled.RoomTypeID, cancelled.CheckIn, cancelled.CheckOut)
	logger := log.WithContext(ctx, e.logger)
	logger.Info().
		Str("event", "reservation.cancelled").
		Str("reservation_id", reservationID).
		Msg("reservation cancelled")
	return toDTO(cancelled), nil
}

// Get reads a reservation, enforcing ownership.
func (e *Engine) Get(ctx context.Context, reservationID, actorID string, privileged bool) (*Reservation, error) {
	r, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !privileged && r.UserID != actorID {
		return nil, fault.Forbidden("reservation belongs to another user")
	}
	return toDTO(r), nil
}

// ExpireStale flips every overdue hold to expired and invalidates the
// caches its date range covered. Returns the number of expired rows.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	expired, err := e.store.ExpireStaleReservations(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		r := &expired[i]
		e.avail.Invalidate(ctx, r.RoomTypeID, r.CheckIn, r.CheckOut)
		metrics.ReservationsExpired.Inc()
		e.logger.Info().
			Str("event", "reservation.expired").
			Str("reservation_id", r.ID).
			Str("room_type_id", r.RoomTypeID).
			Msg("reservation hold expired")
	}
	return len(expired), nil
}

// RunExpiry runs the expiry sweep on a ticker until ctx is done. Per-item
// failures are logged; the sweep itself keeps going.
func (e *Engine) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Str("event", "reservation.expiry_failed").Msg("expiry sweep failed")
			}
		}
	}
}
