// SPDX-License-Identifier: MIT

package reservation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bidbook/bidbook/internal/availability"
	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/lock"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/types"
)

type fixture struct {
	store  *store.Store
	redis  *miniredis.Miniredis
	client *redis.Client
	locks  *lock.Manager
	avail  *availability.Calculator
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupWithLock(t, lock.Options{TTL: time.Second, Retries: 1, BaseDelay: time.Millisecond})
}

func setupWithLock(t *testing.T, opts lock.Options) *fixture {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "test.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locks := lock.NewManager(client, zerolog.Nop())
	idem := idempotency.New(client, zerolog.Nop())
	avail := availability.New(s, client, 5*time.Minute, zerolog.Nop())
	pub := bus.NewPublisher(client, zerolog.Nop())

	cfg := Config{
		HoldDuration: 15 * time.Minute,
		LockOptions:  opts,
	}
	eng := New(s, locks, idem, avail, pub, cfg, zerolog.Nop())
	return &fixture{store: s, redis: mr, client: client, locks: locks, avail: avail, engine: eng}
}

func (f *fixture) seed(t *testing.T, totalCount int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateUser(ctx, &store.User{ID: "owner1", Email: "owner@example.com", Role: store.RoleOwner, CreatedAt: now}))
	require.NoError(t, f.store.CreateUser(ctx, &store.User{ID: "alice", Email: "alice@example.com", Role: store.RoleUser, CreatedAt: now}))
	require.NoError(t, f.store.CreateUser(ctx, &store.User{ID: "bob", Email: "bob@example.com", Role: store.RoleUser, CreatedAt: now}))
	require.NoError(t, f.store.CreateHotel(ctx, &store.Hotel{ID: "h1", OwnerID: "owner1", Name: "Seaview", City: "Lisbon", CreatedAt: now}))
	require.NoError(t, f.store.CreateRoomType(ctx, &store.RoomType{
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

func params(actor string, rooms int) CreateParams {
	return CreateParams{
		ActorID:    actor,
		RoomTypeID: "rt1",
		CheckIn:    types.NewDate(2026, time.September, 1),
		CheckOut:   types.NewDate(2026, time.September, 3),
		RoomCount:  rooms,
		GuestCount: rooms,
	}
}

func TestCreateReservation(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	r, dedup, err := f.engine.Create(ctx, params("alice", 2))
	require.NoError(t, err)
	require.False(t, dedup)
	require.Equal(t, store.StatusReserved, r.Status)
	require.Equal(t, types.Cents(40000), r.TotalPrice)
	require.Equal(t, "h1", r.HotelID)
	require.WithinDuration(t, time.Now().Add(15*time.Minute), r.ReservedUntil, time.Minute)
}

func TestCreateLastRoomOnce(t *testing.T) {
	f := setup(t)
	f.seed(t, 1)
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, params("alice", 1))
	require.NoError(t, err)

	_, _, err = f.engine.Create(ctx, params("bob", 1))
	require.True(t, fault.IsKind(err, fault.KindUnavailable))

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, 0, fe.AvailableRooms, "hint carries the remaining count")
}

func TestCreateConcurrentNeverOverbooks(t *testing.T) {
	// Generous retry budget: every caller must get its turn at the lock
	// so the only losing outcome is sold-out inventory.
	f := setupWithLock(t, lock.Options{
		TTL:       time.Second,
		Retries:   10,
		BaseDelay: time.Millisecond,
		Jitter:    time.Millisecond,
	})
	f.seed(t, 3)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := params("alice", 1)
			p.ClientKey = fmt.Sprintf("caller-%d", i)
			_, _, err := f.engine.Create(context.Background(), p)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, fault.IsKind(err, fault.KindUnavailable), "caller %d: %v", i, err)
	}
	require.Equal(t, 3, succeeded, "holds must match the inventory exactly")

	// The store agrees: nothing is left for the dates.
	res, err := f.avail.Check(context.Background(), "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	require.Equal(t, 0, res.AvailableRooms)
}

func TestCreateDeduplicates(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	first, dedup, err := f.engine.Create(ctx, params("alice", 2))
	require.NoError(t, err)
	require.False(t, dedup)

	second, dedup, err := f.engine.Create(ctx, params("alice", 2))
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, first.ID, second.ID, "replay returns the memoized row, not a new one")
	require.Equal(t, first.TotalPrice, second.TotalPrice)

	// Only one hold exists; a distinct request still sees the rest.
	res, err := f.avail.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	require.Equal(t, 3, res.AvailableRooms)
}

func TestCreateClientKeyDedup(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	p := params("alice", 1)
	p.ClientKey = "client-key-1"
	first, _, err := f.engine.Create(ctx, p)
	require.NoError(t, err)

	// Same client key wins even when the payload differs.
	p2 := params("alice", 2)
	p2.ClientKey = "client-key-1"
	second, dedup, err := f.engine.Create(ctx, p2)
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateInvalidatesAvailabilityCache(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	res, err := f.avail.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	require.Equal(t, 5, res.AvailableRooms)

	_, _, err = f.engine.Create(ctx, params("alice", 2))
	require.NoError(t, err)

	// The write dropped the cached snapshot; the next read is fresh.
	res, err = f.avail.Check(ctx, "rt1", mustDate(t, "2026-09-01"), mustDate(t, "2026-09-03"), 1)
	require.NoError(t, err)
	require.Equal(t, 3, res.AvailableRooms)
}

func TestCreateLockUnavailable(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	p := params("alice", 1)
	lockName := "resource:rt1:2026-09-01:2026-09-03"
	held, err := f.locks.Acquire(ctx, lockName, lock.Options{TTL: time.Minute, Retries: 0, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = f.locks.Release(ctx, held) }()

	_, _, err = f.engine.Create(ctx, p)
	require.True(t, fault.IsKind(err, fault.KindLockUnavailable))

	// The failed attempt must not poison the idempotency key.
	require.NoError(t, f.locks.Release(ctx, held))
	r, dedup, err := f.engine.Create(ctx, p)
	require.NoError(t, err)
	require.False(t, dedup)
	require.NotEmpty(t, r.ID)
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := params("alice", 1)
	p.CheckIn, p.CheckOut = p.CheckOut, p.CheckIn
	_, _, err := f.engine.Create(ctx, p)
	require.True(t, fault.IsKind(err, fault.KindBadRequest))

	p = params("", 1)
	_, _, err = f.engine.Create(ctx, p)
	require.True(t, fault.IsKind(err, fault.KindBadRequest))

	p = params("alice", 0)
	_, _, err = f.engine.Create(ctx, p)
	require.True(t, fault.IsKind(err, fault.KindBadRequest))
}

func TestCreateWrongHotel(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)

	p := params("alice", 1)
	p.HotelID = "h2"
	_, _, err := f.engine.Create(context.Background(), p)
	require.True(t, fault.IsKind(err, fault.KindBadRequest))
}

func TestConfirmOwnership(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	r, _, err := f.engine.Create(ctx, params("alice", 1))
	require.NoError(t, err)

	_, err = f.engine.Confirm(ctx, r.ID, "pay_1", "bob")
	require.True(t, fault.IsKind(err, fault.KindForbidden))

	confirmed, err := f.engine.Confirm(ctx, r.ID, "pay_1", "alice")
	require.NoError(t, err)
	require.Equal(t, store.StatusConfirmed, confirmed.Status)

	_, err = f.engine.Confirm(ctx, r.ID, "pay_2", "alice")
	require.True(t, fault.IsKind(err, fault.KindConflict))
}

func TestCancelReleasesInventory(t *testing.T) {
	f := setup(t)
	f.seed(t, 1)
	ctx := context.Background()

	r, _, err := f.engine.Create(ctx, params("alice", 1))
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, r.ID, "bob", false)
	require.True(t, fault.IsKind(err, fault.KindForbidden))

	// An admin may cancel on the user's behalf.
	cancelled, err := f.engine.Cancel(ctx, r.ID, "admin", true)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, cancelled.Status)

	// The room is bookable again.
	_, _, err = f.engine.Create(ctx, params("bob", 1))
	require.NoError(t, err)
}

func TestExpireStaleFreesRooms(t *testing.T) {
	f := setup(t)
	f.seed(t, 1)
	ctx := context.Background()

	base := time.Now().UTC()
	clock := base
	f.engine.WithClock(func() time.Time { return clock })

	_, _, err := f.engine.Create(ctx, params("alice", 1))
	require.NoError(t, err)

	// Hold still fresh: nothing expires, the room stays taken.
	n, err := f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, _, err = f.engine.Create(ctx, params("bob", 1))
	require.True(t, fault.IsKind(err, fault.KindUnavailable))

	// Past the hold window the sweep flips it to expired.
	clock = base.Add(16 * time.Minute)
	n, err = f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = f.engine.Create(ctx, params("bob", 1))
	require.NoError(t, err)
}

func TestGetOwnership(t *testing.T) {
	f := setup(t)
	f.seed(t, 5)
	ctx := context.Background()

	r, _, err := f.engine.Create(ctx, params("alice", 1))
	require.NoError(t, err)

	_, err = f.engine.Get(ctx, r.ID, "bob", false)
	require.True(t, fault.IsKind(err, fault.KindForbidden))

	got, err := f.engine.Get(ctx, r.ID, "bob", true)
	require.NoError(t, err)
	require.Equal(t, r.ID, got.ID)

	_, err = f.engine.Get(ctx, "missing", "alice", false)
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}
