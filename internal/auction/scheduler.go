// SPDX-License-Identifier: MIT

package auction

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/store"
)

// Scheduler drives auction lifecycle transitions: activating scheduled
// auctions and closing overdue ones. The endings sorted set is only a
// dispatch hint; the database decides every close, so a stale member
// (for example after a snipe extension raced the tick) is simply
// re-added with the row's real end time.
type Scheduler struct {
	store    *store.Store
	rdb      *redis.Client
	pub      *bus.Publisher
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScheduler wires the scheduler.
func NewScheduler(st *store.Store, rdb *redis.Client, pub *bus.Publisher, engine *Engine, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		store:    st,
		rdb:      rdb,
		pub:      pub,
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str(log.FieldComponent, "auction-scheduler").Logger(),
		now:      time.Now,
	}
}

// WithClock overrides the scheduler clock; used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("auction scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("auction scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass. Exported so tests can drive it
// deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	if ids, err := s.store.ActivateScheduledAuctions(ctx, now); err != nil {
		s.logger.Warn().Err(err).Msg("activation sweep failed")
	} else {
		for _, id := range ids {
			s.logger.Info().Str("event", "auction.activated").Str("auction_id", id).Msg("auction activated")
			s.engine.invalidateCaches(ctx, id)
		}
	}

	due, err := s.rdb.ZRangeByScore(ctx, endingsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Msg("endings read failed")
		return
	}
	for _, id := range due {
		s.closeOne(ctx, id, now)
	}
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
}

func (s *Scheduler) closeOne(ctx context.Context, auctionID string, now time.Time) {
	a, closed, err := s.store.CloseAuction(ctx, auctionID, now)
	if err != nil {
		s.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("close failed")
		return
	}
	if !closed {
		// The row refused: extended, already ended elsewhere, or gone.
		// Re-add live auctions with their real end time, drop the rest.
		current, err := s.store.Auction(ctx, auctionID)
		if err != nil || current.Status != store.AuctionActive {
			if err := s.rdb.ZRem(ctx, endingsKey, auctionID).Err(); err != nil {
				s.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("endings cleanup failed")
			}
			return
		}
		if err := s.rdb.ZAdd(ctx, endingsKey, redis.Z{
			Score:  float64(current.EndTime.UnixMilli()),
			Member: auctionID,
		}).Err(); err != nil {
			s.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("endings reschedule failed")
		}
		return
	}

	if err := s.rdb.ZRem(ctx, endingsKey, auctionID).Err(); err != nil {
		s.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("endings removal failed")
	}
	s.engine.invalidateCaches(ctx, auctionID)
	metrics.AuctionsClosed.Inc()

	s.pub.Publish(ctx, bus.AuctionRoom(auctionID), bus.AuctionEnded{
		Type:       bus.TypeAuctionEnded,
		AuctionID:  auctionID,
		WinnerID:   a.WinnerID,
		FinalPrice: a.CurrentPrice,
		EndedAt:    now,
	})

	s.logger.Info().
		Str("event", "auction.closed").
		Str("auction_id", auctionID).
		Str("winner_id", a.WinnerID).
		Str("final_price", a.CurrentPrice.String()).
		Msg("auction closed")
}
