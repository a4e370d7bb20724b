// SPDX-License-Identifier: MIT

// Package auction implements the auction-bid state machine: per-auction
// locking, strict bid ordering, proxy-bid (auto-bid) resolution, snipe
// protection, and the scheduled close. The database row is the point of
// truth for every decision; the advisory lock and the KV caches only
// reduce contention and read load.
package auction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/lock"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/ratelimit"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

// endingsKey is the scheduler's sorted set: auction id -> end time (ms).
const endingsKey = "auction_endings"

// Config tunes the engine.
type Config struct {
	LockTTL        time.Duration // per-auction advisory lock TTL
	SnipeWindow    time.Duration // default snipe window when the auction has none
	HistorySize    int           // bids kept in the cached history list
	HistoryTTL     time.Duration
	AuctionTTL     time.Duration // auction read-cache TTL
	CurrentBidTTL  time.Duration
	NotifyListSize int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:        5 * time.Second,
		SnipeWindow:    2 * time.Minute,
		HistorySize:    20,
		HistoryTTL:     30 * time.Second,
		AuctionTTL:     60 * time.Second,
		CurrentBidTTL:  30 * time.Second,
		NotifyListSize: 100,
	}
}

// Engine orchestrates the bid write path.
type Engine struct {
	store  *store.Store
	locks  *lock.Manager
	idem   *idempotency.Cache
	rdb    *redis.Client
	pub    *bus.Publisher
	rl     *ratelimit.Limiter
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New wires the engine.
func New(st *store.Store, locks *lock.Manager, idem *idempotency.Cache, rdb *redis.Client, pub *bus.Publisher, rl *ratelimit.Limiter, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.SnipeWindow <= 0 {
		cfg.SnipeWindow = 2 * time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	return &Engine{
		store:  st,
		locks:  locks,
		idem:   idem,
		rdb:    rdb,
		pub:    pub,
		rl:     rl,
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

// BidDTO is one accepted bid on the wire.
type BidDTO struct {
	ID        string      `json:"id"`
	AuctionID string      `json:"auctionId"`
	BidderID  string      `json:"bidderId"`
	Amount    types.Cents `json:"amount"`
	IsAutoBid bool        `json:"isAutoBid"`
	Sequence  int64       `json:"sequence"`
	CreatedAt time.Time   `json:"createdAt"`
}

func bidDTO(b *store.Bid) BidDTO {
	return BidDTO{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		IsAutoBid: b.IsAutoBid,
		Sequence:  b.Sequence,
		CreatedAt: b.CreatedAt,
	}
}

// BidResult is the memoized response of a bid attempt.
type BidResult struct {
	AcceptedBids []BidDTO    `json:"acceptedBids"`
	CurrentPrice types.Cents `json:"currentPrice"`
	EndTime      time.Time   `json:"endTime"`
	Extended     bool        `json:"extended"`
	Version      int64       `json:"version"`
}

// PlaceBidParams are the inputs of a manual bid.
type PlaceBidParams struct {
	AuctionID string
	ActorID   string
	Amount    types.Cents
	ClientKey string // optional client-supplied idempotency key
}

// bidTxState carries the transaction outcome to the post-commit phase.
type bidTxState struct {
	accepted    []store.Bid
	auction     *store.Auction
	extended    bool
	outbidUsers []string
	deactivated []string // bidder ids whose auto-bids reached cap
}

// PlaceBid runs the full bid protocol.
func (e *Engine) PlaceBid(ctx context.Context, p PlaceBidParams) (*BidResult, bool, error) {
	logger := log.WithContext(ctx, e.logger)
	if p.AuctionID == "" || p.ActorID == "" {
		return nil, false, fault.BadRequest("auction id and actor id required")
	}
	if p.Amount <= 0 {
		return nil, false, fault.BadRequest("bid amount must be positive")
	}

	ok, retryAfter, err := e.rl.Allow(ctx, p.ActorID)
	if err != nil {
		return nil, false, fault.Internal(err, "rate limiter failed")
	}
	if !ok {
		metrics.Bids.WithLabelValues("rate_limited").Inc()
		return nil, false, fault.RateLimited(retryAfter)
	}

	key := p.ClientKey
	if key == "" {
		key = idempotency.DeriveKey(p.ActorID, "bid", p.AuctionID,
			p.Amount.String(), idempotency.TimeBucket(e.now(), time.Second))
	}
	outcome, memo, err := e.idem.Reserve(ctx, key)
	if err != nil {
		return nil, false, fault.Internal(err, "idempotency reserve failed")
	}
	switch outcome {
	case idempotency.Completed:
		var r BidResult
		if err := json.Unmarshal(memo, &r); err != nil {
			return nil, false, fault.Internal(err, "memoized bid result corrupt")
		}
		metrics.Bids.WithLabelValues("deduplicated").Inc()
		return &r, true, nil
	case idempotency.InProgress:
		metrics.Bids.WithLabelValues("in_progress").Inc()
		return nil, false, fault.Conflict("an identical bid is in progress")
	}

	var st bidTxState
	err = e.locks.WithLock(ctx, "auction:"+p.AuctionID, e.lockOptions(), func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.placeBidTx(ctx, tx, p, &st)
		})
	})
	if err != nil {
		e.idem.Abandon(ctx, key)
		if errors.Is(err, lock.ErrLockUnavailable) {
			metrics.Bids.WithLabelValues("lock_unavailable").Inc()
			return nil, false, fault.LockUnavailable(100 * time.Millisecond)
		}
		metrics.Bids.WithLabelValues(string(fault.KindOf(err))).Inc()
		return nil, false, err
	}

	e.afterBidCommit(ctx, &st)

	result := &BidResult{
		CurrentPrice: st.auction.CurrentPrice,
		EndTime:      st.auction.EndTime,
		Extended:     st.extended,
		Version:      st.auction.Version,
	}
	for i := range st.accepted {
		result.AcceptedBids = append(result.AcceptedBids, bidDTO(&st.accepted[i]))
	}
	if data, merr := json.Marshal(result); merr == nil {
		if perr := e.idem.Publish(ctx, key, data); perr != nil {
			logger.Warn().Err(perr).Str("auction_id", p.AuctionID).Msg("idempotency publish failed")
		}
	}

	metrics.Bids.WithLabelValues("accepted").Inc()
	logger.Info().
		Str("event", "auction.bid_accepted").
		Str("auction_id", p.AuctionID).
		Str("actor_id", p.ActorID).
		Str("amount", p.Amount.String()).
		Int("resulting_bids", len(st.accepted)).
		Bool("extended", st.extended).
		Msg("bid accepted")
	return result, false, nil
}

func (e *Engine) lockOptions() lock.Options {
	return lock.Options{
		TTL:       e.cfg.LockTTL,
		Retries:   3,
		BaseDelay: 50 * time.Millisecond,
		Jitter:    25 * time.Millisecond,
	}
}

// placeBidTx is the decisive section. Status, end time, and price are
// validated against the row re-read inside the write transaction.
func (e *Engine) placeBidTx(ctx context.Context, tx *sql.Tx, p PlaceBidParams, st *bidTxState) error {
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
	if p.Amount < minimum {
		return fault.BidTooLow(int64(minimum))
	}

	prevTop, err := e.topBidTx(ctx, tx, p.AuctionID)
	if err != nil {
		return err
	}

	autoBids, err := e.store.ActiveAutoBids(ctx, tx, p.AuctionID, p.ActorID)
	if err != nil {
		return err
	}
	var competitor *store.AutoBid
	for i := range autoBids {
		// A stale proxy below the next valid amount cannot answer.
		if autoBids[i].MaxAmount >= minimum {
			competitor = &autoBids[i]
			break
		}
	}

	seq, err := e.store.NextBidSequence(ctx, tx, p.AuctionID)
	if err != nil {
		return err
	}

	manual := store.Bid{
		ID:        uuid.NewString(),
		AuctionID: p.AuctionID,
		BidderID:  p.ActorID,
		Amount:    p.Amount,
		IsAutoBid: false,
		Sequence:  seq,
		CreatedAt: now,
	}
	accepted := []store.Bid{manual}

	switch {
	case competitor == nil || competitor.MaxAmount < p.Amount:
		// Case A: the manual bid stands. A proxy outbid beyond its cap is
		// done.
		if competitor != nil {
			if err := e.store.DeactivateAutoBid(ctx, tx, p.AuctionID, competitor.BidderID, now); err != nil {
				return err
			}
			st.deactivated = append(st.deactivated, competitor.BidderID)
			st.outbidUsers = append(st.outbidUsers, competitor.BidderID)
		}
	default:
		// Case B: the proxy answers. At exactly the cap the earlier
		// auto-bidder wins the tie, standing at its cap.
		answer := p.Amount + a.BidIncrement
		if answer > competitor.MaxAmount {
			answer = competitor.MaxAmount
		}
		auto := store.Bid{
			ID:        uuid.NewString(),
			AuctionID: p.AuctionID,
			BidderID:  competitor.BidderID,
			Amount:    answer,
			IsAutoBid: true,
			Sequence:  seq + 1,
			CreatedAt: now,
		}
		accepted = append(accepted, auto)
		st.outbidUsers = append(st.outbidUsers, p.ActorID)
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
	return nil
}

func (e *Engine) topBidTx(ctx context.Context, tx *sql.Tx, auctionID string) (*store.Bid, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, bidder_id, amount_cents, sequence_num FROM bids
		WHERE auction_id = ? ORDER BY sequence_num DESC LIMIT 1`, auctionID)
	var b store.Bid
	var amount int64
	err := row.Scan(&b.ID, &b.BidderID, &amount, &b.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auction: top bid: %w", err)
	}
	b.AuctionID = auctionID
	b.Amount = types.Cents(amount)
	return &b, nil
}

// afterBidCommit handles everything that must not roll back the committed
// bids: cache refresh, reschedule, fan-out, notifications.
func (e *Engine) afterBidCommit(ctx context.Context, st *bidTxState) {
	a := st.auction

	if st.extended {
		metrics.SnipeExtensions.Inc()
		if err := e.rdb.ZAdd(ctx, endingsKey, redis.Z{
			Score:  float64(a.EndTime.UnixMilli()),
			Member: a.ID,
		}).Err(); err != nil {
			e.logger.Warn().Err(err).Str("auction_id", a.ID).Msg("endings reschedule failed")
		}
	}

	e.invalidateCaches(ctx, a.ID)

	last := st.accepted[len(st.accepted)-1]
	if data, err := json.Marshal(bidDTO(&last)); err == nil {
		if err := e.rdb.Set(ctx, currentBidKey(a.ID), data, e.cfg.CurrentBidTTL).Err(); err != nil {
			e.logger.Warn().Err(err).Str("auction_id", a.ID).Msg("current bid cache write failed")
		}
	}

	watchers, err := e.store.WatcherCount(ctx, a.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("auction_id", a.ID).Msg("watcher count failed")
	}
	for i := range st.accepted {
		b := &st.accepted[i]
		e.pub.Publish(ctx, bus.AuctionRoom(a.ID), bus.NewBid{
			Type:         bus.TypeNewBid,
			AuctionID:    a.ID,
			BidID:        b.ID,
			BidderID:     b.BidderID,
			Amount:       b.Amount,
			IsAutoBid:    b.IsAutoBid,
			Sequence:     b.Sequence,
			CurrentPrice: a.CurrentPrice,
			EndTime:      a.EndTime,
			Watchers:     watchers,
		})
	}

	e.notifyOutbid(ctx, a.ID, st.outbidUsers)
}

// notifyOutbid appends a capped notification record per outbid user.
func (e *Engine) notifyOutbid(ctx context.Context, auctionID string, users []string) {
	seen := map[string]bool{}
	for _, u := range users {
		if seen[u] {
			continue
		}
		seen[u] = true
		record, _ := json.Marshal(map[string]any{
			"type":      "outbid",
			"auctionId": auctionID,
			"at":        e.now().UTC(),
		})
		key := "notify:" + u
		pipe := e.rdb.Pipeline()
		pipe.LPush(ctx, key, record)
		pipe.LTrim(ctx, key, 0, e.cfg.NotifyListSize-1)
		if _, err := pipe.Exec(ctx); err != nil {
			e.logger.Warn().Err(err).Str("actor_id", u).Msg("outbid notification failed")
		}
	}
}
