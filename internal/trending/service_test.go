// SPDX-License-Identifier: MIT

package trending

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/store"
)

func setupService(t *testing.T) (*store.Store, *Service) {
	t.Helper()
	s, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "test.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	counter := NewCounter(client, idempotency.New(client, zerolog.Nop()), DefaultCounterConfig(), zerolog.Nop())
	pub := bus.NewPublisher(client, zerolog.Nop())
	cfg := ServiceConfig{
		TopK:           3,
		UpdateInterval: 5 * time.Second,
		FlushInterval:  time.Minute,
		Categories:     []string{"music", "gaming"},
		SampleRate:     0, // no analytic sampling in tests
	}
	svc := NewService(counter, s, pub, cfg, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, &store.Video{ID: "v1", Category: "music", Title: "One"}))
	require.NoError(t, s.CreateVideo(ctx, &store.Video{ID: "v2", Category: "music", Title: "Two"}))
	require.NoError(t, s.CreateVideo(ctx, &store.Video{ID: "v3", Category: "gaming", Title: "Three"}))
	return s, svc
}

func TestRecordViewLooksUpCategory(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()

	counted, err := svc.RecordView(ctx, "v1", "")
	require.NoError(t, err)
	require.True(t, counted)

	_, err = svc.RecordView(ctx, "missing", "")
	require.True(t, fault.IsKind(err, fault.KindNotFound))

	top, err := svc.counter.TopK(ctx, "music", 10)
	require.NoError(t, err)
	require.Equal(t, []Entry{{"v1", 1}}, top)
}

func TestSnapshotAfterRecompute(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()

	// No snapshot before the first recompute.
	_, _, err := svc.Snapshot("music")
	require.True(t, fault.IsKind(err, fault.KindNotFound))

	for i := 0; i < 3; i++ {
		_, err := svc.RecordView(ctx, "v1", "")
		require.NoError(t, err)
	}
	_, err = svc.RecordView(ctx, "v2", "")
	require.NoError(t, err)
	_, err = svc.RecordView(ctx, "v3", "")
	require.NoError(t, err)

	svc.Recompute(ctx)

	music, at, err := svc.Snapshot("music")
	require.NoError(t, err)
	require.False(t, at.IsZero())
	require.Equal(t, []Entry{{"v1", 3}, {"v2", 1}}, music)

	all, _, err := svc.Snapshot("")
	require.NoError(t, err)
	require.Equal(t, []Entry{{"v1", 3}, {"v2", 1}, {"v3", 1}}, all)

	gaming, _, err := svc.Snapshot("gaming")
	require.NoError(t, err)
	require.Equal(t, []Entry{{"v3", 1}}, gaming)
}

func TestSnapshotTruncatesToTopK(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()

	// Four distinct videos in "all", TopK is 3.
	require.NoError(t, svc.store.CreateVideo(ctx, &store.Video{ID: "v4", Category: "gaming", Title: "Four"}))
	for i, id := range []string{"v1", "v2", "v3", "v4"} {
		for j := 0; j <= i; j++ {
			_, err := svc.RecordView(ctx, id, "")
			require.NoError(t, err)
		}
	}

	svc.Recompute(ctx)
	all, _, err := svc.Snapshot(CategoryAll)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, Entry{"v4", 4}, all[0])
}

func TestStatsReflectsSnapshots(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()

	cats, at := svc.Stats()
	require.Empty(t, cats)
	require.True(t, at.IsZero())

	_, err := svc.RecordView(ctx, "v1", "")
	require.NoError(t, err)
	svc.Recompute(ctx)

	cats, at = svc.Stats()
	require.False(t, at.IsZero())
	require.Equal(t, []CategoryStat{{CategoryAll, 1}, {"music", 1}, {"gaming", 0}}, cats)
}

func TestTotalViewsSumsDurableAndPending(t *testing.T) {
	s, svc := setupService(t)
	ctx := context.Background()

	require.NoError(t, s.AddVideoViews(ctx, "v1", 100))
	for i := 0; i < 3; i++ {
		_, err := svc.RecordView(ctx, "v1", "")
		require.NoError(t, err)
	}

	n, err := svc.TotalViews(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, int64(103), n)

	// The flush moves the delta into the row without changing the sum.
	svc.flushTotals(ctx)
	v, err := s.Video(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, int64(103), v.TotalViews)
	n, err = svc.TotalViews(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, int64(103), n)
}
