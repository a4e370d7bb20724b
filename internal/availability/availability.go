// SPDX-License-Identifier: MIT

// Package availability computes per-day booked counts for a room type and
// date range, with a short-TTL KV cache in front. The cached answer is
// advisory; the reservation engine recomputes the same formula inside the
// write transaction before committing.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

// Result is the availability snapshot for one check.
type Result struct {
	Available      bool        `json:"available"`
	AvailableRooms int         `json:"availableRooms"`
	TotalRooms     int         `json:"totalRooms"`
	Requested      int         `json:"requested"`
	TotalPrice     types.Cents `json:"totalPrice"`
}

// Day is one entry of the month-view calendar.
type Day struct {
	Date           types.Date  `json:"date"`
	AvailableRooms int         `json:"availableRooms"`
	Price          types.Cents `json:"price"`
}

// Calendar is the month-view snapshot.
type Calendar struct {
	RoomTypeID string `json:"roomTypeId"`
	Month      string `json:"month"`
	Days       []Day  `json:"days"`
}

// Calculator answers availability questions with caching.
type Calculator struct {
	store  *store.Store
	rdb    *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New builds a Calculator. ttl bounds cache staleness (5 minutes by default).
func New(st *store.Store, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *Calculator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Calculator{store: st, rdb: rdb, ttl: ttl, logger: logger}
}

func checkKey(roomTypeID string, ci, co types.Date) string {
	return fmt.Sprintf("avail:check:%s:%s:%s", roomTypeID, ci, co)
}

func monthCacheKey(roomTypeID, monthKey string) string {
	return fmt.Sprintf("avail:%s:%s", roomTypeID, monthKey)
}

// checkIndexKey tracks every seen avail:check key per room type so
// invalidation can enumerate them without KEYS scans.
func checkIndexKey(roomTypeID string) string {
	return "avail:check:index:" + roomTypeID
}

// Check computes availableRooms = totalCount - maxDailyBooked over the
// half-open range and the total price at current rates.
func (c *Calculator) Check(ctx context.Context, roomTypeID string, checkIn, checkOut types.Date, rooms int) (*Result, error) {
	if !checkIn.Before(checkOut) {
		return nil, fault.BadRequest("check_out must be after check_in")
	}
	if rooms < 1 {
		return nil, fault.BadRequest("room count must be >= 1")
	}

	key := checkKey(roomTypeID, checkIn, checkOut)
	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached Result
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			cached.Requested = rooms
			cached.Available = cached.AvailableRooms >= rooms
			return &cached, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("availability cache read failed")
	}

	res, err := c.compute(ctx, roomTypeID, checkIn, checkOut, rooms)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(res); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("availability cache write failed")
		} else if err := c.rdb.SAdd(ctx, checkIndexKey(roomTypeID), key).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("availability cache index write failed")
		}
	}
	return res, nil
}

func (c *Calculator) compute(ctx context.Context, roomTypeID string, checkIn, checkOut types.Date, rooms int) (*Result, error) {
	rt, err := c.store.RoomType(ctx, roomTypeID)
	if err != nil {
		return nil, err
	}
	maxBooked, err := c.store.MaxDailyBooked(ctx, nil, roomTypeID, checkIn, checkOut)
	if err != nil {
		return nil, err
	}
	price, err := c.PriceForStay(ctx, rt, checkIn, checkOut, rooms)
	if err != nil {
		return nil, err
	}
	available := rt.TotalCount - maxBooked
	return &Result{
		Available:      available >= rooms,
		AvailableRooms: available,
		TotalRooms:     rt.TotalCount,
		Requested:      rooms,
		TotalPrice:     price,
	}, nil
}

// PriceForStay sums the per-day price (override ?? base) across the stay
// and multiplies by the room count.
func (c *Calculator) PriceForStay(ctx context.Context, rt *store.RoomType, checkIn, checkOut types.Date, rooms int) (types.Cents, error) {
	overrides, err := c.store.PriceOverrides(ctx, nil, rt.ID, checkIn, checkOut)
	if err != nil {
		return 0, err
	}
	var total types.Cents
	for d := checkIn; d.Before(checkOut); d = d.AddDays(1) {
		if p, ok := overrides[d.String()]; ok {
			total += p
		} else {
			total += rt.BasePrice
		}
	}
	return total * types.Cents(rooms), nil
}

// Month produces the per-day calendar for one month, cached under
// avail:<r>:YYYY-M.
func (c *Calculator) Month(ctx context.Context, roomTypeID string, year int, month time.Month) (*Calendar, error) {
	first := types.NewDate(year, month, 1)
	key := monthCacheKey(roomTypeID, first.MonthKey())

	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached Calendar
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			return &cached, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("calendar cache read failed")
	}

	rt, err := c.store.RoomType(ctx, roomTypeID)
	if err != nil {
		return nil, err
	}
	next := types.NewDate(year, month, 1).AddDays(32)
	next = types.NewDate(next.Year(), next.Month(), 1)

	overlapping, err := c.store.OverlappingReservations(ctx, nil, roomTypeID, first, next)
	if err != nil {
		return nil, err
	}
	overrides, err := c.store.PriceOverrides(ctx, nil, roomTypeID, first, next)
	if err != nil {
		return nil, err
	}

	cal := &Calendar{RoomTypeID: roomTypeID, Month: first.MonthKey()}
	for d := first; d.Before(next); d = d.AddDays(1) {
		booked := 0
		for _, r := range overlapping {
			if !r.CheckIn.After(d) && d.Before(r.CheckOut) {
				booked += r.RoomCount
			}
		}
		price := rt.BasePrice
		if p, ok := overrides[d.String()]; ok {
			price = p
		}
		cal.Days = append(cal.Days, Day{
			Date:           d,
			AvailableRooms: rt.TotalCount - booked,
			Price:          price,
		})
	}

	if data, err := json.Marshal(cal); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("calendar cache write failed")
		}
	}
	return cal, nil
}

// Invalidate drops every cache entry that could cover the changed range:
// the month snapshots of each covered month plus every recorded check key
// of the room type. Failures are logged, never fatal; correctness rests
// on the database, the cache only serves reads.
func (c *Calculator) Invalidate(ctx context.Context, roomTypeID string, checkIn, checkOut types.Date) {
	keys := make([]string, 0, 4)
	for _, m := range types.MonthsCovered(checkIn, checkOut) {
		keys = append(keys, monthCacheKey(roomTypeID, m))
	}

	idx := checkIndexKey(roomTypeID)
	seen, err := c.rdb.SMembers(ctx, idx).Result()
	if err != nil && err != redis.Nil {
		c.logger.Warn().Err(err).Str("key", idx).Msg("availability index read failed")
	}
	keys = append(keys, seen...)
	keys = append(keys, idx)

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Str("room_type_id", roomTypeID).Msg("availability invalidation failed")
		return
	}
	metrics.CacheInvalidations.WithLabelValues("availability").Inc()
}
