// SPDX-License-Identifier: MIT

// Package trending implements the windowed top-K view counter and the
// periodic trending recompute. Counts live in per-minute KV sorted sets;
// the sliding window is the union of the last windowMinutes buckets, so
// old views age out bucket by bucket without any per-view bookkeeping.
package trending

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/metrics"
)

// CategoryAll aggregates every category.
const CategoryAll = "all"

// totalViewsKey holds the views not yet flushed to the store:
// video id -> pending delta. The durable lifetime counter is the videos
// row; a read sums both.
const totalViewsKey = "views:total"

// CounterConfig tunes the bucketed counter.
type CounterConfig struct {
	BucketMinutes int // bucket width
	WindowMinutes int // sliding window covered by TopK
	BucketBuffer  int // extra buckets kept beyond the window before TTL expiry
}

// DefaultCounterConfig returns the production defaults: 1-minute buckets,
// a 60-minute window, 5 buckets of slack.
func DefaultCounterConfig() CounterConfig {
	return CounterConfig{BucketMinutes: 1, WindowMinutes: 60, BucketBuffer: 5}
}

// Counter is the windowed view counter.
type Counter struct {
	rdb    *redis.Client
	idem   *idempotency.Cache
	cfg    CounterConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewCounter wires the counter.
func NewCounter(rdb *redis.Client, idem *idempotency.Cache, cfg CounterConfig, logger zerolog.Logger) *Counter {
	if cfg.BucketMinutes <= 0 {
		cfg.BucketMinutes = 1
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = 60
	}
	if cfg.BucketBuffer <= 0 {
		cfg.BucketBuffer = 5
	}
	return &Counter{rdb: rdb, idem: idem, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the counter clock; used by tests.
func (c *Counter) WithClock(now func() time.Time) *Counter {
	c.now = now
	return c
}

// bucketStamp is the minute-aligned label of the bucket containing t.
func (c *Counter) bucketStamp(t time.Time) string {
	t = t.UTC().Truncate(time.Duration(c.cfg.BucketMinutes) * time.Minute)
	return t.Format("200601021504")
}

func bucketKey(category, stamp string) string {
	return fmt.Sprintf("views:bucket:%s:%s", category, stamp)
}

// RecordView increments the current bucket for both the category and the
// all-categories aggregate, plus the lifetime total. Duplicate events
// from the same viewer within a ten-second bucket are dropped.
func (c *Counter) RecordView(ctx context.Context, videoID, category, viewerID string) (bool, error) {
	if videoID == "" || category == "" {
		return false, fault.BadRequest("video id and category required")
	}
	if viewerID != "" {
		key := idempotency.DeriveKey(viewerID, "view", videoID,
			idempotency.TimeBucket(c.now(), 10*time.Second))
		outcome, _, err := c.idem.Reserve(ctx, key)
		if err != nil {
			return false, fault.Internal(err, "view dedup failed")
		}
		if outcome != idempotency.Acquired {
			return false, nil
		}
		if err := c.idem.Publish(ctx, key, []byte("1")); err != nil {
			c.logger.Warn().Err(err).Str("video_id", videoID).Msg("view dedup publish failed")
		}
	}

	stamp := c.bucketStamp(c.now())
	ttl := time.Duration(c.cfg.WindowMinutes+c.cfg.BucketBuffer) *
		time.Duration(c.cfg.BucketMinutes) * time.Minute

	pipe := c.rdb.Pipeline()
	for _, cat := range []string{CategoryAll, category} {
		key := bucketKey(cat, stamp)
		pipe.ZIncrBy(ctx, key, 1, videoID)
		pipe.Expire(ctx, key, ttl)
	}
	pipe.HIncrBy(ctx, totalViewsKey, videoID, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fault.Internal(err, "record view failed")
	}
	metrics.TrendingViews.WithLabelValues(category).Inc()
	return true, nil
}

// Entry is one ranked video.
type Entry struct {
	VideoID string `json:"videoId"`
	Views   int64  `json:"views"`
}

// TopK returns the k most viewed videos of a category over the sliding
// window, descending. The multi-bucket union runs server-side through a
// transient destination key.
func (c *Counter) TopK(ctx context.Context, category string, k int) ([]Entry, error) {
	if k <= 0 {
		return nil, fault.BadRequest("k must be positive")
	}
	if category == "" {
		category = CategoryAll
	}

	now := c.now().UTC()
	width := time.Duration(c.cfg.BucketMinutes) * time.Minute
	var keys []string
	for i := 0; i < c.cfg.WindowMinutes/c.cfg.BucketMinutes; i++ {
		stamp := c.bucketStamp(now.Add(-time.Duration(i) * width))
		key := bucketKey(category, stamp)
		exists, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			return nil, fault.Internal(err, "bucket probe failed")
		}
		if exists > 0 {
			keys = append(keys, key)
		}
	}

	switch len(keys) {
	case 0:
		return []Entry{}, nil
	case 1:
		return c.rangeTopK(ctx, keys[0], k)
	}

	dest := fmt.Sprintf("views:union:%s:%d", category, now.UnixNano())
	if err := c.rdb.ZUnionStore(ctx, dest, &redis.ZStore{Keys: keys}).Err(); err != nil {
		return nil, fault.Internal(err, "bucket union failed")
	}
	defer func() {
		if err := c.rdb.Del(ctx, dest).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", dest).Msg("union cleanup failed")
		}
	}()
	return c.rangeTopK(ctx, dest, k)
}

func (c *Counter) rangeTopK(ctx context.Context, key string, k int) ([]Entry, error) {
	zs, err := c.rdb.ZRevRangeWithScores(ctx, key, 0, int64(k-1)).Result()
	if err != nil {
		return nil, fault.Internal(err, "top-k read failed")
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Entry{VideoID: id, Views: int64(z.Score)})
	}
	return out, nil
}

// TotalViews returns the views of a video not yet flushed to the store.
func (c *Counter) TotalViews(ctx context.Context, videoID string) (int64, error) {
	n, err := c.rdb.HGet(ctx, totalViewsKey, videoID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Internal(err, "total views read failed")
	}
	return n, nil
}

// drainTotals atomically snapshots and clears the lifetime counter hash
// so the service can flush it to the store.
func (c *Counter) drainTotals(ctx context.Context) (map[string]int64, error) {
	pipe := c.rdb.TxPipeline()
	get := pipe.HGetAll(ctx, totalViewsKey)
	pipe.Del(ctx, totalViewsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	raw := get.Val()
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out[id] = n
		}
	}
	return out, nil
}
