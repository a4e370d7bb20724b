// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bidbook/bidbook/internal/fault"
)

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), nowMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// User reads a user by id.
func (s *Store) User(ctx context.Context, id string) (*User, error) {
	var u User
	var role string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.Role = Role(role)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// CreateHotel inserts a hotel row.
func (s *Store) CreateHotel(ctx context.Context, h *Hotel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hotels (id, owner_id, name, city, created_at) VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.OwnerID, h.Name, h.City, nowMillis(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create hotel: %w", err)
	}
	return nil
}

// CreateRoomType inserts a room type row.
func (s *Store) CreateRoomType(ctx context.Context, rt *RoomType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_types (id, hotel_id, name, capacity, total_count, base_price_cents, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.HotelID, rt.Name, rt.Capacity, rt.TotalCount, int64(rt.BasePrice), boolInt(rt.IsActive))
	if err != nil {
		return fmt.Errorf("store: create room type: %w", err)
	}
	return nil
}

// DeleteRoomType removes a room type if it has no active reservations.
func (s *Store) DeleteRoomType(ctx context.Context, id string) error {
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE room_type_id = ? AND status IN ('reserved','confirmed')`, id).
		Scan(&active)
	if err != nil {
		return fmt.Errorf("store: count active reservations: %w", err)
	}
	if active > 0 {
		return fault.Conflict("room type has %d active reservations", active)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_types WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete room type: %w", err)
	}
	return nil
}
