// SPDX-License-Identifier: MIT

package auction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/lock"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

// SetAutoBidParams are the inputs of a proxy-bid upsert.
type SetAutoBidParams struct {
	AuctionID string
	ActorID   string
	MaxAmount types.Cents
	ClientKey string
}

// AutoBidResult is the memoized response of a proxy-bid upsert.
type AutoBidResult struct {
	AuctionID    string      `json:"auctionId"`
	BidderID     string      `json:"bidderId"`
	MaxAmount    types.Cents `json:"maxAmount"`
	Active       bool        `json:"active"`
	AcceptedBids []BidDTO    `json:"acceptedBids"`
	CurrentPrice types.Cents `json:"currentPrice"`
}

// SetAutoBid upserts the actor's proxy bid and resolves it against the
// strongest competing proxy under the auction lock. A lone proxy emits no
// bids; two proxies bid each other up to the loser's cap plus one
// increment, capped at the winner's cap, the earlier bidder winning ties.
func (e *Engine) SetAutoBid(ctx context.Context, p SetAutoBidParams) (*AutoBidResult, bool, error) {
	logger := log.WithContext(ctx, e.logger)
	if p.AuctionID == "" || p.ActorID == "" {
		return nil, false, fault.BadRequest("auction id and actor id required")
	}
	if p.MaxAmount <= 0 {
		return nil, false, fault.BadRequest("max amount must be positive")
	}

	key := p.ClientKey
	if key == "" {
		key = idempotency.DeriveKey(p.ActorID, "autobid", p.AuctionID,
			p.MaxAmount.String(), idempotency.TimeBucket(e.now(), time.Second))
	}
	outcome, memo, err := e.idem.Reserve(ctx, key)
	if err != nil {
		return nil, false, fault.Internal(err, "idempotency reserve failed")
	}
	switch outcome {
	case idempotency.Completed:
		var r AutoBidResult
		if err := json.Unmarshal(memo, &r); err != nil {
			return nil, false, fault.Internal(err, "memoized auto-bid result corrupt")
		}
		return &r, true, nil
	case idempotency.InProgress:
		return nil, false, fault.Conflict("an identical auto-bid request is in progress")
	}

	var st bidTxState
	var result AutoBidResult
	err = e.locks.WithLock(ctx, "auction:"+p.AuctionID, e.lockOptions(), func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.setAutoBidTx(ctx, tx, p, &st, &result)
		})
	})
	if err != nil {
		e.idem.Abandon(ctx, key)
		if errors.Is(err, lock.ErrLockUnavailable) {
			return nil, false, fault.LockUnavailable(100 * time.Millisecond)
		}
		return nil, false, err
	}

	if len(st.accepted) > 0 {
		e.afterBidCommit(ctx, &st)
		metrics.Bids.WithLabelValues("accepted").Inc()
	} else {
		e.invalidateCaches(ctx, p.AuctionID)
	}

	for i := range st.accepted {
		result.AcceptedBids = append(result.AcceptedBids, bidDTO(&st.accepted[i]))
	}
	if data, merr := json.Marshal(&result); merr == nil {
		if perr := e.idem.Publish(ctx, key, data); perr != nil {
			logger.Warn().Err(perr).Str("auction_id", p.AuctionID).Msg("idempotency publish failed")
		}
	}

	logger.Info().
		Str("event", "auction.autobid_set").
		Str("auction_id", p.AuctionID).
		Str("actor_id", p.ActorID).
		Str("max_amount", p.MaxAmount.String()).
		Int("resulting_bids", len(st.accepted)).
		Msg("auto-bid set")
	return &result, false, nil
}

func (e *Engine) setAutoBidTx(ctx context.Context, tx *sql.Tx, p SetAutoBidParams, st *bidTxState, result *AutoBidResult) error {
	a, err := e.store.AuctionTx(ctx, tx, p.AuctionID)
	if err != nil {
		return err
	}
	now := e.now().UTC()

	if a.Status != store.AuctionActive {
		return fault.Conflict("auction is %s", a.Status)
	}
	if !now.Before(a.EndTime) {
		return fault.Conflict("auction has ended")
	}
	if a.SellerID == p.ActorID {
		return fault.Forbidden("seller cannot bid on own auction")
	}
	minimum := a.CurrentPrice + a.BidIncrement
	if p.MaxAmount < minimum {
		return fault.BidTooLow(int64(minimum))
	}

	mine := &store.AutoBid{
		AuctionID: p.AuctionID,
		BidderID:  p.ActorID,
		MaxAmount: p.MaxAmount,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// A re-upsert keeps the original created_at so tie-breaks stay stable.
	if existing, err := e.store.AutoBidFor(ctx, tx, p.AuctionID, p.ActorID); err == nil {
		mine.CreatedAt = existing.CreatedAt
	} else if !fault.IsKind(err, fault.KindNotFound) {
		return err
	}
	if err := e.store.UpsertAutoBid(ctx, tx, mine); err != nil {
		return err
	}

	result.AuctionID = p.AuctionID
	result.BidderID = p.ActorID
	result.MaxAmount = p.MaxAmount
	result.Active = true
	result.CurrentPrice = a.CurrentPrice

	autoBids, err := e.store.ActiveAutoBids(ctx, tx, p.AuctionID, p.ActorID)
	if err != nil {
		return err
	}
	var competitor *store.AutoBid
	for i := range autoBids {
		if autoBids[i].MaxAmount >= minimum {
			competitor = &autoBids[i]
			break
		}
	}
	if competitor == nil {
		// Lone proxy: it waits silently for a challenger.
		st.auction = a
		return nil
	}

	prevTop, err := e.topBidTx(ctx, tx, p.AuctionID)
	if err != nil {
		return err
	}
	seq, err := e.store.NextBidSequence(ctx, tx, p.AuctionID)
	if err != nil {
		return err
	}

	var accepted []store.Bid
	newBid := func(bidder string, amount types.Cents) {
		accepted = append(accepted, store.Bid{
			ID:        uuid.NewString(),
			AuctionID: p.AuctionID,
			BidderID:  bidder,
			Amount:    amount,
			IsAutoBid: true,
			Sequence:  seq + int64(len(accepted)),
			CreatedAt: now,
		})
	}

	switch {
	case p.MaxAmount > competitor.MaxAmount:
		// The new proxy wins: the incumbent stands at its cap and is done,
		// the new proxy answers one increment above, capped at its own max.
		newBid(competitor.BidderID, competitor.MaxAmount)
		answer := competitor.MaxAmount + a.BidIncrement
		if answer > p.MaxAmount {
			answer = p.MaxAmount
		}
		newBid(p.ActorID, answer)
		if err := e.store.DeactivateAutoBid(ctx, tx, p.AuctionID, competitor.BidderID, now); err != nil {
			return err
		}
		st.deactivated = append(st.deactivated, competitor.BidderID)
		st.outbidUsers = append(st.outbidUsers, competitor.BidderID)
	default:
		// The incumbent wins, including the tie at equal caps: the new
		// proxy stands at its cap, the incumbent answers at or above it.
		newBid(p.ActorID, p.MaxAmount)
		answer := p.MaxAmount + a.BidIncrement
		if answer > competitor.MaxAmount {
			answer = competitor.MaxAmount
		}
		newBid(competitor.BidderID, answer)
		if err := e.store.DeactivateAutoBid(ctx, tx, p.AuctionID, p.ActorID, now); err != nil {
			return err
		}
		st.deactivated = append(st.deactivated, p.ActorID)
		st.outbidUsers = append(st.outbidUsers, p.ActorID)
		result.Active = false
		if answer == competitor.MaxAmount {
			if err := e.store.DeactivateAutoBid(ctx, tx, p.AuctionID, competitor.BidderID, now); err != nil {
				return err
			}
			st.deactivated = append(st.deactivated, competitor.BidderID)
		}
	}

	for i := range accepted {
		if err := e.store.InsertBid(ctx, tx, &accepted[i]); err != nil {
			return err
		}
	}
	if prevTop != nil && prevTop.BidderID != accepted[len(accepted)-1].BidderID {
		st.outbidUsers = append(st.outbidUsers, prevTop.BidderID)
	}

	winning := accepted[len(accepted)-1].Amount
	endTime := a.EndTime
	snipe := a.SnipeProtection
	if snipe <= 0 {
		snipe = e.cfg.SnipeWindow
	}
	if a.EndTime.Sub(now) < snipe {
		endTime = now.Add(snipe)
		st.extended = true
	}
	if err := e.store.UpdateAuctionOnBid(ctx, tx, p.AuctionID, winning, endTime, now); err != nil {
		return err
	}

	a.CurrentPrice = winning
	a.EndTime = endTime
	a.Version++
	a.UpdatedAt = now
	st.auction = a
	st.accepted = accepted
	result.CurrentPrice = winning
	return nil
}

// CancelAutoBid deactivates the actor's proxy bid without emitting bids.
func (e *Engine) CancelAutoBid(ctx context.Context, auctionID, actorID string) error {
	if auctionID == "" || actorID == "" {
		return fault.BadRequest("auction id and actor id required")
	}
	ab, err := e.store.AutoBidFor(ctx, nil, auctionID, actorID)
	if err != nil {
		return err
	}
	if !ab.IsActive {
		return nil
	}
	if err := e.store.DeactivateAutoBid(ctx, nil, auctionID, actorID, e.now().UTC()); err != nil {
		return fault.Internal(err, "deactivate auto-bid failed")
	}
	logger := log.WithContext(ctx, e.logger)
	logger.Info().
		Str("event", "auction.autobid_cancelled").
		Str("auction_id", auctionID).
		Str("actor_id", actorID).
		Msg("auto-bid cancelled")
	return nil
}
