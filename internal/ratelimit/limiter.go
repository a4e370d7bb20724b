// SPDX-License-Identifier: MIT

// Package ratelimit enforces per-actor action limits across instances via
// Redis INCR+EXPIRE counters. The HTTP layer separately carries a per-IP
// limiter; this one guards the write engines themselves.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/metrics"
)

// Config bounds one action kind.
type Config struct {
	Limit  int           // max actions per window
	Window time.Duration // rolling-ish fixed window
}

// DefaultBidConfig is the bid path default: 10 bids per 60s.
func DefaultBidConfig() Config {
	return Config{Limit: 10, Window: 60 * time.Second}
}

// Limiter counts actions in Redis so every instance sees the same budget.
type Limiter struct {
	rdb    *redis.Client
	cfg    Config
	action string
	logger zerolog.Logger
}

// New builds a limiter for one action kind ("bid", "view", ...).
func New(rdb *redis.Client, action string, cfg Config, logger zerolog.Logger) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, action: action, logger: logger}
}

func (l *Limiter) key(actor string) string {
	return fmt.Sprintf("rate:%s:%s", actor, l.action)
}

// Allow consumes one unit of the actor's budget. When the budget is spent
// it returns false with the remaining window as the retry hint. On Redis
// failure the limiter fails open: blocking writes over a counter outage
// is the worse trade.
func (l *Limiter) Allow(ctx context.Context, actor string) (bool, time.Duration, error) {
	key := l.key(actor)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("actor_id", actor).Msg("rate counter unavailable, failing open")
		return true, 0, nil
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.cfg.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("actor_id", actor).Msg("rate counter expire failed")
		}
	}
	if n > int64(l.cfg.Limit) {
		ttl, terr := l.rdb.TTL(ctx, key).Result()
		if terr != nil || ttl < 0 {
			ttl = l.cfg.Window
		}
		metrics.RateLimitExceeded.WithLabelValues(l.action).Inc()
		return false, ttl, nil
	}
	return true, 0, nil
}
