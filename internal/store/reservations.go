// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/types"
)

// RoomType reads a room type outside any transaction.
func (s *Store) RoomType(ctx context.Context, id string) (*RoomType, error) {
	return scanRoomType(s.db.QueryRowContext(ctx, roomTypeQuery+` WHERE id = ?`, id))
}

// RoomTypeTx reads a room type inside a write transaction. The immediate
// transaction already holds the writer lock, which is the pessimistic step
// of the reservation protocol.
func (s *Store) RoomTypeTx(ctx context.Context, tx *sql.Tx, id string) (*RoomType, error) {
	return scanRoomType(tx.QueryRowContext(ctx, roomTypeQuery+` WHERE id = ?`, id))
}

const roomTypeQuery = `SELECT id, hotel_id, name, capacity, total_count, base_price_cents, is_active FROM room_types`

func scanRoomType(row *sql.Row) (*RoomType, error) {
	var rt RoomType
	var active int
	var price int64
	err := row.Scan(&rt.ID, &rt.HotelID, &rt.Name, &rt.Capacity, &rt.TotalCount, &price, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("room type not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan room type: %w", err)
	}
	rt.BasePrice = types.Cents(price)
	rt.IsActive = active != 0
	return &rt, nil
}

// OverlappingReservations returns the active reservations of a room type
// whose half-open stay range intersects [checkIn, checkOut).
func (s *Store) OverlappingReservations(ctx context.Context, q Querier, roomTypeID string, checkIn, checkOut types.Date) ([]Reservation, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryContext(ctx, reservationQuery+`
		WHERE room_type_id = ?
		  AND status IN ('reserved','confirmed')
		  AND check_in < ?
		  AND check_out > ?`,
		roomTypeID, checkOut.String(), checkIn.String())
	if err != nil {
		return nil, fmt.Errorf("store: overlapping reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

// MaxDailyBooked computes, under the caller's transaction, the maximum
// per-day sum of room_count over active reservations covering any day of
// [checkIn, checkOut). The overlap predicate is half-open: a reservation
// covers d iff check_in <= d < check_out.
func (s *Store) MaxDailyBooked(ctx context.Context, q Querier, roomTypeID string, checkIn, checkOut types.Date) (int, error) {
	overlapping, err := s.OverlappingReservations(ctx, q, roomTypeID, checkIn, checkOut)
	if err != nil {
		return 0, err
	}
	maxBooked := 0
	for d := checkIn; d.Before(checkOut); d = d.AddDays(1) {
		booked := 0
		for _, r := range overlapping {
			if !r.CheckIn.After(d) && d.Before(r.CheckOut) {
				booked += r.RoomCount
			}
		}
		if booked > maxBooked {
			maxBooked = booked
		}
	}
	return maxBooked, nil
}

// PriceOverrides returns the per-day price overrides of a room type within
// [from, to), keyed by date string.
func (s *Store) PriceOverrides(ctx context.Context, q Querier, roomTypeID string, from, to types.Date) (map[string]types.Cents, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryContext(ctx,
		`SELECT date, price_cents FROM pricing_overrides WHERE room_type_id = ? AND date >= ? AND date < ?`,
		roomTypeID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("store: price overrides: %w", err)
	}
	defer rows.Close()
	out := make(map[string]types.Cents)
	for rows.Next() {
		var date string
		var price int64
		if err := rows.Scan(&date, &price); err != nil {
			return nil, fmt.Errorf("store: scan price override: %w", err)
		}
		out[date] = types.Cents(price)
	}
	return out, rows.Err()
}

// SetPriceOverride upserts a per-day price for a room type.
func (s *Store) SetPriceOverride(ctx context.Context, o PriceOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_overrides (room_type_id, date, price_cents) VALUES (?, ?, ?)
		ON CONFLICT (room_type_id, date) DO UPDATE SET price_cents = excluded.price_cents`,
		o.RoomTypeID, o.Date.String(), int64(o.Price))
	if err != nil {
		return fmt.Errorf("store: set price override: %w", err)
	}
	return nil
}

// InsertReservation appends a new reservation row inside the transaction.
func (s *Store) InsertReservation(ctx context.Context, tx *sql.Tx, r *Reservation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bookings (id, user_id, hotel_id, room_type_id, check_in, check_out,
			room_count, guest_count, total_price_cents, status, payment_id,
			idempotency_key, reserved_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.HotelID, r.RoomTypeID, r.CheckIn.String(), r.CheckOut.String(),
		r.RoomCount, r.GuestCount, int64(r.TotalPrice), string(r.Status), nullable(r.PaymentID),
		r.IdempotencyKey, nowMillis(r.ReservedUntil), nowMillis(r.CreatedAt), nowMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert reservation: %w", err)
	}
	return nil
}

// Reservation reads a single reservation by id.
func (s *Store) Reservation(ctx context.Context, id string) (*Reservation, error) {
	rows, err := s.db.QueryContext(ctx, reservationQuery+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get reservation: %w", err)
	}
	defer rows.Close()
	list, err := collectReservations(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fault.NotFound("reservation not found")
	}
	return &list[0], nil
}

// ConfirmReservation transitions reserved -> confirmed, recording the
// payment id. Returns Conflict if the row is not currently reserved.
func (s *Store) ConfirmReservation(ctx context.Context, id, paymentID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET status = 'confirmed', payment_id = ?, updated_at = ?
		WHERE id = ? AND status = 'reserved'`,
		paymentID, nowMillis(now), id)
	if err != nil {
		return fmt.Errorf("store: confirm reservation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Reservation(ctx, id); err != nil {
			return err
		}
		return fault.Conflict("reservation is not in reserved state")
	}
	return nil
}

// CancelReservation transitions reserved|confirmed -> cancelled.
func (s *Store) CancelReservation(ctx context.Context, id string, now time.Time) (*Reservation, error) {
	r, err := s.Reservation(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('reserved','confirmed')`,
		nowMillis(now), id)
	if err != nil {
		return nil, fmt.Errorf("store: cancel reservation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fault.Conflict("reservation is not cancellable from state %s", r.Status)
	}
	r.Status = StatusCancelled
	r.UpdatedAt = now
	return r, nil
}

// ExpireStaleReservations flips every overdue hold to expired and returns
// the affected rows so callers can invalidate the covering caches.
func (s *Store) ExpireStaleReservations(ctx context.Context, now time.Time) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE bookings SET status = 'expired', updated_at = ?
		WHERE status = 'reserved' AND reserved_until < ?
		RETURNING `+reservationColumns,
		nowMillis(now), nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("store: expire stale reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

const reservationColumns = `id, user_id, hotel_id, room_type_id, check_in, check_out,
	room_count, guest_count, total_price_cents, status, payment_id,
	idempotency_key, reserved_until, created_at, updated_at`

const reservationQuery = `SELECT ` + reservationColumns + ` FROM bookings`

func collectReservations(rows *sql.Rows) ([]Reservation, error) {
	var out []Reservation
	for rows.Next() {
		var r Reservation
		var checkIn, checkOut string
		var price, reservedUntil, createdAt, updatedAt int64
		var paymentID sql.NullString
		var status string
		if err := rows.Scan(&r.ID, &r.UserID, &r.HotelID, &r.RoomTypeID, &checkIn, &checkOut,
			&r.RoomCount, &r.GuestCount, &price, &status, &paymentID,
			&r.IdempotencyKey, &reservedUntil, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		ci, err := types.ParseDate(checkIn)
		if err != nil {
			return nil, err
		}
		co, err := types.ParseDate(checkOut)
		if err != nil {
			return nil, err
		}
		r.CheckIn, r.CheckOut = ci, co
		r.TotalPrice = types.Cents(price)
		r.Status = ReservationStatus(status)
		r.PaymentID = paymentID.String
		r.ReservedUntil = fromMillis(reservedUntil)
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
