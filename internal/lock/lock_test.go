// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewManager(client, zerolog.Nop())
}

func fastOptions() Options {
	return Options{TTL: time.Second, Retries: 1, BaseDelay: time.Millisecond}
}

func TestAcquireRelease(t *testing.T) {
	mr, m := setupManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "resource:rt1", fastOptions())
	require.NoError(t, err)
	require.Equal(t, "lock:resource:rt1", l.Key)
	require.True(t, mr.Exists(l.Key))

	require.NoError(t, m.Release(ctx, l))
	require.False(t, mr.Exists(l.Key))
}

func TestAcquireContended(t *testing.T) {
	_, m := setupManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "auction:a1", fastOptions())
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "auction:a1", fastOptions())
	require.ErrorIs(t, err, ErrLockUnavailable)

	require.NoError(t, m.Release(ctx, first))
	second, err := m.Acquire(ctx, "auction:a1", fastOptions())
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)
}

func TestReleaseIgnoresStolenLock(t *testing.T) {
	mr, m := setupManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "resource:rt1", fastOptions())
	require.NoError(t, err)

	// TTL expires while we hold the handle; someone else takes the key.
	mr.FastForward(2 * time.Second)
	other, err := m.Acquire(ctx, "resource:rt1", fastOptions())
	require.NoError(t, err)

	// Releasing the stale handle must not free the new owner's lock.
	require.NoError(t, m.Release(ctx, l))
	require.True(t, mr.Exists(other.Key))
}

func TestExtend(t *testing.T) {
	mr, m := setupManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "auction:a1", fastOptions())
	require.NoError(t, err)
	require.NoError(t, m.Extend(ctx, l, 5*time.Second))

	mr.FastForward(2 * time.Second)
	require.True(t, mr.Exists(l.Key), "extended lock must survive the original TTL")

	mr.FastForward(5 * time.Second)
	require.ErrorIs(t, m.Extend(ctx, l, time.Second), ErrNotHeld)
}

func TestWithLockReleasesOnError(t *testing.T) {
	mr, m := setupManager(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithLock(ctx, "resource:rt1", fastOptions(), func(ctx context.Context) error {
		require.True(t, mr.Exists("lock:resource:rt1"))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("lock:resource:rt1"))
}

func TestWithLockExhaustion(t *testing.T) {
	_, m := setupManager(t)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "resource:rt1", fastOptions())
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, held) }()

	ran := false
	err = m.WithLock(ctx, "resource:rt1", fastOptions(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, ErrLockUnavailable)
	require.False(t, ran, "callback must not run without the lock")
}
