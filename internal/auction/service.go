// SPDX-License-Identifier: MIT

package auction

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

// CreateParams describe a new listing.
type CreateParams struct {
	SellerID        string
	Title           string
	StartingPrice   types.Cents
	BidIncrement    types.Cents
	StartTime       time.Time
	EndTime         time.Time
	SnipeProtection time.Duration // zero means the engine default
}

// Create lists a new auction. Auctions starting in the past go active
// immediately; future ones wait for the scheduler's activation sweep.
// Either way the end time is registered in the endings set up front.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*AuctionDTO, error) {
	if p.SellerID == "" || p.Title == "" {
		return nil, fault.BadRequest("seller id and title required")
	}
	if p.StartingPrice <= 0 || p.BidIncrement <= 0 {
		return nil, fault.BadRequest("starting price and bid increment must be positive")
	}
	now := e.now().UTC()
	if p.StartTime.IsZero() {
		p.StartTime = now
	}
	if !p.EndTime.After(p.StartTime) {
		return nil, fault.BadRequest("end time must be after start time")
	}
	if !p.EndTime.After(now) {
		return nil, fault.BadRequest("end time must be in the future")
	}

	status := store.AuctionScheduled
	if !p.StartTime.After(now) {
		status = store.AuctionActive
	}
	a := &store.Auction{
		ID:              uuid.NewString(),
		SellerID:        p.SellerID,
		Title:           p.Title,
		StartingPrice:   p.StartingPrice,
		CurrentPrice:    p.StartingPrice,
		BidIncrement:    p.BidIncrement,
		StartTime:       p.StartTime.UTC(),
		EndTime:         p.EndTime.UTC(),
		SnipeProtection: p.SnipeProtection,
		Status:          status,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateAuction(ctx, a); err != nil {
		return nil, fault.Internal(err, "create auction failed")
	}

	if err := e.rdb.ZAdd(ctx, endingsKey, redis.Z{
		Score:  float64(a.EndTime.UnixMilli()),
		Member: a.ID,
	}).Err(); err != nil {
		e.logger.Warn().Err(err).Str("auction_id", a.ID).Msg("endings registration failed")
	}

	logger := log.WithContext(ctx, e.logger)
	logger.Info().
		Str("event", "auction.created").
		Str("auction_id", a.ID).
		Str("seller_id", a.SellerID).
		Str("status", string(a.Status)).
		Time("end_time", a.EndTime).
		Msg("auction created")
	dto := auctionDTO(a)
	return &dto, nil
}

// Watch toggles a watch on. Watching is a read-side signal only; it
// never gates bidding.
func (e *Engine) Watch(ctx context.Context, userID, auctionID string) (int, error) {
	if userID == "" || auctionID == "" {
		return 0, fault.BadRequest("user id and auction id required")
	}
	if _, err := e.store.Auction(ctx, auctionID); err != nil {
		return 0, err
	}
	if err := e.store.AddWatch(ctx, userID, auctionID, e.now().UTC()); err != nil {
		return 0, fault.Internal(err, "add watch failed")
	}
	return e.store.WatcherCount(ctx, auctionID)
}

// Unwatch toggles a watch off.
func (e *Engine) Unwatch(ctx context.Context, userID, auctionID string) (int, error) {
	if userID == "" || auctionID == "" {
		return 0, fault.BadRequest("user id and auction id required")
	}
	if err := e.store.RemoveWatch(ctx, userID, auctionID); err != nil {
		return 0, fault.Internal(err, "remove watch failed")
	}
	return e.store.WatcherCount(ctx, auctionID)
}

// Notification is one capped per-user record.
type Notification struct {
	Type      string    `json:"type"`
	AuctionID string    `json:"auctionId"`
	At        time.Time `json:"at"`
}

// Notifications returns the user's most recent notifications, newest
// first.
func (e *Engine) Notifications(ctx context.Context, userID string) ([]Notification, error) {
	if userID == "" {
		return nil, fault.BadRequest("user id required")
	}
	raw, err := e.rdb.LRange(ctx, "notify:"+userID, 0, e.cfg.NotifyListSize-1).Result()
	if err != nil {
		return nil, fault.Internal(err, "notifications read failed")
	}
	out := make([]Notification, 0, len(raw))
	for _, r := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(r), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
