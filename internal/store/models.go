// SPDX-License-Identifier: MIT

package store

import (
	"time"

	"github.com/bidbook/bidbook/internal/types"
)

// Role of a user account.
type Role string

const (
	RoleUser  Role = "user"
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
)

// ReservationStatus is the booking lifecycle state.
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCancelled ReservationStatus = "cancelled"
	StatusCompleted ReservationStatus = "completed"
	StatusExpired   ReservationStatus = "expired"
)

// AuctionStatus is the auction lifecycle state.
type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionCancelled AuctionStatus = "cancelled"
)

// User row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// Hotel row.
type Hotel struct {
	ID        string
	OwnerID   string
	Name      string
	City      string
	CreatedAt time.Time
}

// RoomType is the countable scarce resource of the reservation engine.
type RoomType struct {
	ID         string
	HotelID    string
	Name       string
	Capacity   int
	TotalCount int
	BasePrice  types.Cents
	IsActive   bool
}

// Reservation row (bookings table).
type Reservation struct {
	ID             string
	UserID         string
	HotelID        string
	RoomTypeID     string
	CheckIn        types.Date
	CheckOut       types.Date
	RoomCount      int
	GuestCount     int
	TotalPrice     types.Cents
	Status         ReservationStatus
	PaymentID      string
	IdempotencyKey string
	ReservedUntil  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PriceOverride row.
type PriceOverride struct {
	RoomTypeID string
	Date       types.Date
	Price      types.Cents
}

// Auction row.
type Auction struct {
	ID              string
	SellerID        string
	Title           string
	StartingPrice   types.Cents
	CurrentPrice    types.Cents
	BidIncrement    types.Cents
	StartTime       time.Time
	EndTime         time.Time
	SnipeProtection time.Duration
	Status          AuctionStatus
	Version         int64
	WinnerID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Bid row. Append-only; sequence_num is dense and monotone per auction.
type Bid struct {
	ID        string
	AuctionID string
	BidderID  string
	Amount    types.Cents
	IsAutoBid bool
	Sequence  int64
	CreatedAt time.Time
}

// AutoBid row (proxy bid).
type AutoBid struct {
	AuctionID string
	BidderID  string
	MaxAmount types.Cents
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Video row.
type Video struct {
	ID         string
	Category   string
	Title      string
	TotalViews int64
}
