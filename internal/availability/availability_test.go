// SPDX-License-Identifier: MIT

package availability

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

func setupCalculator(t *testing.T) (*store.Store, *miniredis.Miniredis, *Calculator) {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "test.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return s, mr, New(s, client, 5*time.Minute, zerolog.Nop())
}

func seedRoomType(t *testing.T, s *store.Store, totalCount int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: "owner1", Email: "owner@example.com", Role: store.RoleOwner, CreatedAt: now}))
	require.NoError(t, s.CreateHotel(ctx, &store.Hotel{ID: "h1", OwnerID: "owner1", Name: "Seaview", City: "Lisbon", CreatedAt: now}))
	require.NoError(t, s.CreateRoomType(ctx, &store.RoomType{
		ID: "rt1", HotelID: "h1", Name: "Double", Capacity: 2,
		TotalCount: totalCount, BasePrice: 10000, IsActive: true,
	}))
}

func mustDate(t *testing.T, v string) types.Date {
	t.Helper()
	d, err := types.ParseDate(v)
	require.NoError(t, err)
	return d
}

func insertReservation(t *testing.T, s *store.Store, id string, ci, co types.Date, rooms int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertReservation(context.Background(), tx, &store.Reservation{
			ID: id, UserID: "owner1", HotelID: "h1", RoomTypeID: "rt1",
			CheckIn: ci, CheckOut: co, RoomCount: rooms, GuestCount: rooms,
			TotalPrice: 20000, Status: store.StatusReserved, IdempotencyKey: "key-" + id,
			ReservedUntil: now.Add(15 * time.Minute), CreatedAt: now, UpdatedAt: now,
		})
	}))
}

func TestCheckComputesAndCaches(t *testing.T) {
	s, mr, c := setupCalculator(t)
	seedRoomType(t, s, 5)
	ctx := context.Background()

	insertReservation(t, s, "r1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 2)

	res, err := c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 2)
	require.NoError(t, err)
	require.True(t, res.Available)
	require.Equal(t, 3, res.AvailableRooms)
	require.Equal(t, 5, res.TotalRooms)
	require.Equal(t, types.Cents(40000), res.TotalPrice, "2 nights x 100.00 x 2 rooms")

	key := checkKey("rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"))
	require.True(t, mr.Exists(key))

	// The cached snapshot answers without the database; a booking written
	// behind its back stays invisible until invalidation or TTL.
	insertReservation(t, s, "r2", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 3)
	res, err = c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 2)
	require.NoError(t, err)
	require.Equal(t, 3, res.AvailableRooms)
}

func TestCheckRequestedOverCachedSnapshot(t *testing.T) {
	s, _, c := setupCalculator(t)
	seedRoomType(t, s, 3)
	ctx := context.Background()

	res, err := c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-02"), 1)
	require.NoError(t, err)
	require.True(t, res.Available)

	// Same range, larger request: the cached counts are reused but the
	// verdict is recomputed for this caller.
	res, err = c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-02"), 4)
	require.NoError(t, err)
	require.False(t, res.Available)
	require.Equal(t, 4, res.Requested)
	require.Equal(t, 3, res.AvailableRooms)
}

func TestCheckValidation(t *testing.T) {
	_, _, c := setupCalculator(t)
	ctx := context.Background()

	_, err := c.Check(ctx, "rt1", mustDate(t, "2026-09-03"), mustDate(t, "2026-09-01"), 1)
	require.True(t, fault.IsKind(err, fault.KindBadRequest))

	_, err = c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 0)
	require.True(t, fault.IsKind(err, fault.KindBadRequest))
}

func TestCheckUnknownRoomType(t *testing.T) {
	_, _, c := setupCalculator(t)
	_, err := c.Check(context.Background(), "missing", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestInvalidateDropsCheckAndMonthKeys(t *testing.T) {
	s, mr, c := setupCalculator(t)
	seedRoomType(t, s, 5)
	ctx := context.Background()

	insertReservation(t, s, "r1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 2)

	_, err := c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	_, err = c.Month(ctx, "rt1", 2026, time.September)
	require.NoError(t, err)

	checkK := checkKey("rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"))
	monthK := monthCacheKey("rt1", "2026-9")
	require.True(t, mr.Exists(checkK))
	require.True(t, mr.Exists(monthK))

	c.Invalidate(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"))
	require.False(t, mr.Exists(checkK))
	require.False(t, mr.Exists(monthK))

	// The next read recomputes from the database.
	insertReservation(t, s, "r2", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 3)
	res, err := c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	require.Equal(t, 0, res.AvailableRooms)
}

func TestPriceOverridesApply(t *testing.T) {
	s, _, c := setupCalculator(t)
	seedRoomType(t, s, 5)
	ctx := context.Background()

	require.NoError(t, s.SetPriceOverride(ctx, store.PriceOverride{
		RoomTypeID: "rt1", Date: mustDate(t, "2026-09-02"), Price: 25000,
	}))

	// Night 1 at base 100.00, night 2 at the 250.00 override.
	res, err := c.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	require.Equal(t, types.Cents(35000), res.TotalPrice)
}

func TestMonthCalendar(t *testing.T) {
	s, mr, c := setupCalculator(t)
	seedRoomType(t, s, 5)
	ctx := context.Background()

	insertReservation(t, s, "r1", mustDate(t, "2026-09-10"), mustDate(t, "2026-09-12"), 2)
	require.NoError(t, s.SetPriceOverride(ctx, store.PriceOverride{
		RoomTypeID: "rt1", Date: mustDate(t, "2026-09-11"), Price: 15000,
	}))

	cal, err := c.Month(ctx, "rt1", 2026, time.September)
	require.NoError(t, err)
	require.Equal(t, "2026-9", cal.Month)
	require.Len(t, cal.Days, 30)

	byDate := make(map[string]Day, len(cal.Days))
	for _, d := range cal.Days {
		byDate[d.Date.String()] = d
	}
	require.Equal(t, 5, byDate["2026-09-09"].AvailableRooms)
	require.Equal(t, 3, byDate["2026-09-10"].AvailableRooms)
	require.Equal(t, 3, byDate["2026-09-11"].AvailableRooms)
	require.Equal(t, 5, byDate["2026-09-12"].AvailableRooms, "checkout day is free")
	require.Equal(t, types.Cents(15000), byDate["2026-09-11"].Price)
	require.Equal(t, types.Cents(10000), byDate["2026-09-10"].Price)

	require.True(t, mr.Exists(monthCacheKey("rt1", "2026-9")))
}
