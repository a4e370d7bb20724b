// SPDX-License-Identifier: MIT

package bus

import (
	"encoding/json"
	"time"

	"github.com/bidbook/bidbook/internal/types"
)

// Server -> client message types.
const (
	TypeStateSync          = "STATE_SYNC"
	TypeNewBid             = "new_bid"
	TypeAuctionEnded       = "auction_ended"
	TypeReservationCreated = "reservation_created"
	TypeTrendingUpdate     = "trending-update"
	TypeConnected          = "connected"
	TypeError              = "ERROR"
)

// Room name helpers; rooms double as pub/sub channel names.
func ResourceRoom(roomTypeID string) string { return "resource:" + roomTypeID }
func AuctionRoom(auctionID string) string   { return "auction:" + auctionID }
func TrendingRoom(category string) string   { return "trending:" + category }

// TrendingAll is the single channel trending snapshots are published on.
const TrendingAll = "trending:all"

// ReservationCreated announces a committed reservation to resource watchers.
type ReservationCreated struct {
	Type          string      `json:"type"`
	ReservationID string      `json:"reservationId"`
	RoomTypeID    string      `json:"roomTypeId"`
	CheckIn       types.Date  `json:"checkIn"`
	CheckOut      types.Date  `json:"checkOut"`
	RoomCount     int         `json:"roomCount"`
	TotalPrice    types.Cents `json:"totalPrice"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// NewBid announces every accepted bid (manual and auto follow-ups).
type NewBid struct {
	Type         string      `json:"type"`
	AuctionID    string      `json:"auctionId"`
	BidID        string      `json:"bidId"`
	BidderID     string      `json:"bidderId"`
	Amount       types.Cents `json:"amount"`
	IsAutoBid    bool        `json:"isAutoBid"`
	Sequence     int64       `json:"sequence"`
	CurrentPrice types.Cents `json:"currentPrice"`
	EndTime      time.Time   `json:"endTime"`
	Watchers     int         `json:"watchers"`
}

// AuctionEnded announces a closed auction with its winner (empty if no bids).
type AuctionEnded struct {
	Type       string      `json:"type"`
	AuctionID  string      `json:"auctionId"`
	WinnerID   string      `json:"winnerId,omitempty"`
	FinalPrice types.Cents `json:"finalPrice"`
	EndedAt    time.Time   `json:"endedAt"`
}

// TrendingEntry is one ranked video in a snapshot.
type TrendingEntry struct {
	VideoID string `json:"videoId"`
	Views   int64  `json:"views"`
}

// TrendingUpdate carries a full per-category snapshot.
type TrendingUpdate struct {
	Type      string          `json:"type"`
	Category  string          `json:"category"`
	Videos    []TrendingEntry `json:"videos"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StateSync is delivered to a session right after a successful subscribe.
type StateSync struct {
	Type  string          `json:"type"`
	Room  string          `json:"room"`
	State json.RawMessage `json:"state,omitempty"`
}

// Connected greets a freshly attached session.
type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ErrorMessage rejects an invalid client frame.
type ErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
