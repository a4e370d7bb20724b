// SPDX-License-Identifier: MIT

// Package lock implements the distributed lock manager: SETNX+TTL locks
// with a unique owner token, bounded retry with exponential backoff and
// jitter, and atomic release/extend via compare scripts.
//
// The lock is advisory. It narrows the window of wasted work under
// contention; correctness of the decisive check always rests on the
// database transaction the caller runs while holding it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/metrics"
)

// ErrLockUnavailable is returned when acquisition exhausts its retries.
var ErrLockUnavailable = errors.New("lock: unavailable after retries")

// ErrNotHeld is returned by Extend when the lock is no longer owned.
var ErrNotHeld = errors.New("lock: not held")

// releaseScript deletes the key only if it still carries our token, so a
// slow holder can never release a lock already reassigned to someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while we still own the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Options tune a single acquisition.
type Options struct {
	TTL       time.Duration // bound on the blast radius of a crashed holder
	Retries   int           // additional attempts after the first
	BaseDelay time.Duration // backoff base; attempt n waits BaseDelay*2^n
	Jitter    time.Duration // uniform random extra wait per attempt
}

// DefaultOptions matches the reservation path: 30s TTL, 3 retries.
func DefaultOptions() Options {
	return Options{
		TTL:       30 * time.Second,
		Retries:   3,
		BaseDelay: 100 * time.Millisecond,
		Jitter:    50 * time.Millisecond,
	}
}

// Lock is a handle for a held lock.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
}

// Manager acquires and releases advisory locks in Redis.
type Manager struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewManager builds a lock manager on the command client.
func NewManager(rdb *redis.Client, logger zerolog.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger}
}

// Acquire takes the lock for the named resource, retrying with exponential
// backoff and jitter. Returns ErrLockUnavailable when retries are exhausted.
func (m *Manager) Acquire(ctx context.Context, resource string, opts Options) (*Lock, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("lock: TTL must be positive, got %s", opts.TTL)
	}
	key := "lock:" + resource
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := m.rdb.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("lock: setnx %s: %w", key, err)
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			return &Lock{Key: key, Token: token, AcquiredAt: time.Now()}, nil
		}
		if attempt >= opts.Retries {
			metrics.LockAcquisitions.WithLabelValues("exhausted").Inc()
			m.logger.Debug().
				Str("lock_key", key).
				Int("attempts", attempt+1).
				Msg("lock acquisition exhausted retries")
			return nil, ErrLockUnavailable
		}

		delay := opts.BaseDelay << attempt
		if opts.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(opts.Jitter)))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Release deletes the lock if and only if it still carries this handle's
// token. Idempotent on double-release.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	metrics.LockHoldSeconds.Observe(time.Since(l.AcquiredAt).Seconds())
	if err := releaseScript.Run(ctx, m.rdb, []string{l.Key}, l.Token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock: release %s: %w", l.Key, err)
	}
	return nil
}

// Extend refreshes the TTL while the lock is still owned.
func (m *Manager) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	if l == nil {
		return ErrNotHeld
	}
	res, err := extendScript.Run(ctx, m.rdb, []string{l.Key}, l.Token, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock: extend %s: %w", l.Key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding the lock for resource, releasing on every
// exit path including panics.
func (m *Manager) WithLock(ctx context.Context, resource string, opts Options, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context: the caller's may already be done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := m.Release(releaseCtx, l); rerr != nil {
			m.logger.Warn().Err(rerr).Str("lock_key", l.Key).Msg("lock release failed")
		}
	}()
	return fn(ctx)
}
