// SPDX-License-Identifier: MIT

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, zerolog.Nop())
}

func TestReservePublishReplay(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	outcome, _, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	require.NoError(t, c.Publish(ctx, "k1", []byte(`{"id":"r1"}`)))

	outcome, memo, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, []byte(`{"id":"r1"}`), memo, "replay must be byte-identical")
}

func TestReserveInProgress(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	outcome, _, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	// Second caller while the first writer is still in flight.
	outcome, _, err = c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, InProgress, outcome)
}

func TestAbandonAllowsRetry(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	outcome, _, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	c.Abandon(ctx, "k1")

	outcome, _, err = c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome, "a failed attempt must not poison the key")
}

func TestProgressStampExpires(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	outcome, _, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	// Crashed first writer: the stamp ages out and retries proceed.
	mr.FastForward(progressTTL + time.Second)
	outcome, _, err = c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
}

func TestDoneSurvivesProgressTTL(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	_, _, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, "k1", []byte("v")))

	mr.FastForward(time.Hour)
	outcome, memo, err := c.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, []byte("v"), memo)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey("u1", "rt1", "2026-09-01", "2026-09-03", "2")
	k2 := DeriveKey("u1", "rt1", "2026-09-01", "2026-09-03", "2")
	require.Equal(t, k1, k2)

	// Concatenation ambiguity must not collide: ("ab","c") != ("a","bc").
	require.NotEqual(t, DeriveKey("u1", "ab", "c"), DeriveKey("u1", "a", "bc"))
	require.NotEqual(t, k1, DeriveKey("u2", "rt1", "2026-09-01", "2026-09-03", "2"))
}

func TestTimeBucket(t *testing.T) {
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t,
		TimeBucket(base.Add(100*time.Millisecond), time.Second),
		TimeBucket(base.Add(900*time.Millisecond), time.Second))
	require.NotEqual(t,
		TimeBucket(base, time.Second),
		TimeBucket(base.Add(time.Second), time.Second))
}

func TestSanitizeClientKey(t *testing.T) {
	require.Equal(t, "order-123", SanitizeClientKey("  order-123  "))
	require.Empty(t, SanitizeClientKey(""))
	require.Empty(t, SanitizeClientKey("has space"))
	require.Empty(t, SanitizeClientKey(string(make([]byte, 200))))
}
