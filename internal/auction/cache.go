// SPDX-License-Identifier: MIT

package auction

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

func auctionCacheKey(id string) string { return "auction:cache:" + id }
func bidsCacheKey(id string) string    { return "auction:bids:" + id }
func currentBidKey(id string) string   { return "auction:current_bid:" + id }

// invalidateCaches drops the read caches of one auction. Failures are
// logged and swallowed: the caches repopulate on the next read and the
// row stays authoritative.
func (e *Engine) invalidateCaches(ctx context.Context, auctionID string) {
	if err := e.rdb.Del(ctx,
		auctionCacheKey(auctionID),
		bidsCacheKey(auctionID),
		currentBidKey(auctionID)).Err(); err != nil {
		e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("cache invalidation failed")
		return
	}
	metrics.CacheInvalidations.WithLabelValues("auction").Inc()
}

// AuctionDTO is the cached read model of an auction.
type AuctionDTO struct {
	ID              string      `json:"id"`
	SellerID        string      `json:"sellerId"`
	Title           string      `json:"title"`
	StartingPrice   types.Cents `json:"startingPrice"`
	CurrentPrice    types.Cents `json:"currentPrice"`
	BidIncrement    types.Cents `json:"bidIncrement"`
	StartTime       time.Time   `json:"startTime"`
	EndTime         time.Time   `json:"endTime"`
	Status          store.AuctionStatus `json:"status"`
	Version         int64       `json:"version"`
	WinnerID        string      `json:"winnerId,omitempty"`
	SnipeProtection int64       `json:"snipeProtectionSeconds"`
}

func auctionDTO(a *store.Auction) AuctionDTO {
	return AuctionDTO{
		ID:              a.ID,
		SellerID:        a.SellerID,
		Title:           a.Title,
		StartingPrice:   a.StartingPrice,
		CurrentPrice:    a.CurrentPrice,
		BidIncrement:    a.BidIncrement,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		Status:          a.Status,
		Version:         a.Version,
		WinnerID:        a.WinnerID,
		SnipeProtection: int64(a.SnipeProtection / time.Second),
	}
}

// Get returns the auction read model, serving from the short-lived KV
// cache when possible.
func (e *Engine) Get(ctx context.Context, auctionID string) (*AuctionDTO, error) {
	if auctionID == "" {
		return nil, fault.BadRequest("auction id required")
	}
	key := auctionCacheKey(auctionID)
	if data, err := e.rdb.Get(ctx, key).Bytes(); err == nil {
		var dto AuctionDTO
		if err := json.Unmarshal(data, &dto); err == nil {
			return &dto, nil
		}
	} else if err != redis.Nil {
		e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("auction cache read failed")
	}

	a, err := e.store.Auction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	dto := auctionDTO(a)
	if data, merr := json.Marshal(&dto); merr == nil {
		if err := e.rdb.Set(ctx, key, data, e.cfg.AuctionTTL).Err(); err != nil {
			e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("auction cache write failed")
		}
	}
	return &dto, nil
}

// BidHistory returns the most recent bids, newest first, serving from
// the KV cache when possible.
func (e *Engine) BidHistory(ctx context.Context, auctionID string) ([]BidDTO, error) {
	if auctionID == "" {
		return nil, fault.BadRequest("auction id required")
	}
	key := bidsCacheKey(auctionID)
	if data, err := e.rdb.Get(ctx, key).Bytes(); err == nil {
		var out []BidDTO
		if err := json.Unmarshal(data, &out); err == nil {
			return out, nil
		}
	} else if err != redis.Nil {
		e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("bid history cache read failed")
	}

	if _, err := e.store.Auction(ctx, auctionID); err != nil {
		return nil, err
	}
	bids, err := e.store.Bids(ctx, auctionID, e.cfg.HistorySize)
	if err != nil {
		return nil, err
	}
	out := make([]BidDTO, 0, len(bids))
	for i := range bids {
		out = append(out, bidDTO(&bids[i]))
	}
	if data, merr := json.Marshal(out); merr == nil {
		if err := e.rdb.Set(ctx, key, data, e.cfg.HistoryTTL).Err(); err != nil {
			e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("bid history cache write failed")
		}
	}
	return out, nil
}

// CurrentBid returns the cached top bid, falling back to the store.
func (e *Engine) CurrentBid(ctx context.Context, auctionID string) (*BidDTO, error) {
	if data, err := e.rdb.Get(ctx, currentBidKey(auctionID)).Bytes(); err == nil {
		var dto BidDTO
		if err := json.Unmarshal(data, &dto); err == nil {
			return &dto, nil
		}
	}
	bids, err := e.store.Bids(ctx, auctionID, 1)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, fault.NotFound("auction has no bids")
	}
	dto := bidDTO(&bids[0])
	if data, merr := json.Marshal(&dto); merr == nil {
		_ = e.rdb.Set(ctx, currentBidKey(auctionID), data, e.cfg.CurrentBidTTL).Err()
	}
	return &dto, nil
}
