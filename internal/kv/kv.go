// SPDX-License-Identifier: MIT

// Package kv owns the Redis connections shared by the core: one client for
// commands and a duplicated client dedicated to pub/sub subscriptions, so a
// blocked subscriber read can never stall the RPC path.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// Client bundles the two Redis connections used process-wide.
type Client struct {
	rpc    *redis.Client
	sub    *redis.Client
	logger zerolog.Logger
}

// New dials Redis and verifies connectivity on both clients.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	rpc := redis.NewClient(opts)

	// Subscriber connection: no read timeout, a subscription blocks for as
	// long as the channel is quiet.
	subOpts := *opts
	subOpts.ReadTimeout = -1
	sub := redis.NewClient(&subOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rpc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to redis")

	return &Client{rpc: rpc, sub: sub, logger: logger}, nil
}

// NewFromClients wraps pre-built clients; used by tests running miniredis.
func NewFromClients(rpc, sub *redis.Client, logger zerolog.Logger) *Client {
	return &Client{rpc: rpc, sub: sub, logger: logger}
}

// RPC returns the command client.
func (c *Client) RPC() *redis.Client { return c.rpc }

// Subscriber returns the dedicated pub/sub client.
func (c *Client) Subscriber() *redis.Client { return c.sub }

// HealthCheck pings the command connection.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rpc.Ping(ctx).Err()
}

// Close closes both connections.
func (c *Client) Close() error {
	rpcErr := c.rpc.Close()
	subErr := c.sub.Close()
	if rpcErr != nil {
		return rpcErr
	}
	return subErr
}
