// SPDX-License-Identifier: MIT

// Package idempotency collapses client retries of the same intent to a
// single effect. Two KV entries per key: idem:done:<K> memoizes the final
// response for 24h, idem:progress:<K> is a 30s SETNX stamp marking an
// in-flight first writer.
//
// Contract: Publish must run after the DB COMMIT that realises the state
// change; on any pre-COMMIT failure Abandon must run so a later retry can
// proceed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/metrics"
)

// Outcome of a Reserve call.
type Outcome int

const (
	// Acquired: this caller is the first writer and must do the work.
	Acquired Outcome = iota
	// InProgress: a concurrent first writer holds the stamp; reject with 409.
	InProgress
	// Completed: the work already happened; the memoized value is returned.
	Completed
)

const (
	doneTTL     = 24 * time.Hour
	progressTTL = 30 * time.Second
)

// Cache is the Redis-backed idempotency cache.
type Cache struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New builds a Cache on the command client.
func New(rdb *redis.Client, logger zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// DeriveKey hashes a canonical tuple of the actor and request parts into a
// deterministic key. Callers include a time-bounded part (a truncated
// timestamp bucket) when the intent itself has no natural identity.
func DeriveKey(actorID string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(actorID))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TimeBucket truncates t to the given bucket width and renders it as a
// key part, so rapid double-clicks land in the same bucket.
func TimeBucket(t time.Time, width time.Duration) string {
	return fmt.Sprintf("%d", t.Truncate(width).Unix())
}

func doneKey(k string) string     { return "idem:done:" + k }
func progressKey(k string) string { return "idem:progress:" + k }

// Reserve performs the three-state check. On Completed the memoized value
// is returned verbatim, byte-identical to what Publish stored.
func (c *Cache) Reserve(ctx context.Context, key string) (Outcome, []byte, error) {
	done, err := c.rdb.Get(ctx, doneKey(key)).Bytes()
	if err == nil {
		metrics.IdempotencyOutcomes.WithLabelValues("completed").Inc()
		return Completed, done, nil
	}
	if err != redis.Nil {
		return 0, nil, fmt.Errorf("idempotency: get done: %w", err)
	}

	ok, err := c.rdb.SetNX(ctx, progressKey(key), "1", progressTTL).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("idempotency: setnx progress: %w", err)
	}
	if !ok {
		// A concurrent writer may have finished between our two reads.
		done, err = c.rdb.Get(ctx, doneKey(key)).Bytes()
		if err == nil {
			metrics.IdempotencyOutcomes.WithLabelValues("completed").Inc()
			return Completed, done, nil
		}
		if err != redis.Nil {
			return 0, nil, fmt.Errorf("idempotency: re-get done: %w", err)
		}
		metrics.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
		return InProgress, nil, nil
	}
	metrics.IdempotencyOutcomes.WithLabelValues("acquired").Inc()
	return Acquired, nil, nil
}

// Publish memoizes the final value and clears the in-flight stamp.
func (c *Cache) Publish(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, doneKey(key), value, doneTTL).Err(); err != nil {
		return fmt.Errorf("idempotency: set done: %w", err)
	}
	if err := c.rdb.Del(ctx, progressKey(key)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("idem_key", truncKey(key)).Msg("failed to clear progress stamp")
	}
	return nil
}

// Abandon clears the in-flight stamp after a failed attempt so the next
// retry may proceed.
func (c *Cache) Abandon(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, progressKey(key)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("idem_key", truncKey(key)).Msg("failed to abandon progress stamp")
	}
}

func truncKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}

// SanitizeClientKey validates a client-supplied X-Idempotency-Key. Empty
// means none was supplied.
func SanitizeClientKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 128 {
		return ""
	}
	for _, r := range raw {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return raw
}
