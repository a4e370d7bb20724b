// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from the environment with
// validated defaults. Precedence is ENV > defaults; the resulting Config is
// passed explicitly to every component, never read from globals.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	// Server
	ListenAddr   string
	MetricsAddr  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logging
	LogLevel   string
	LogService string

	// Store
	DBPath        string
	DBBusyTimeout time.Duration
	DBMaxConns    int
	QueryDeadline time.Duration

	// KV
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Reservation engine
	HoldDuration   time.Duration
	ExpiryInterval time.Duration
	AvailCacheTTL  time.Duration

	// Lock manager
	LockTTL       time.Duration
	LockRetries   int
	LockBaseDelay time.Duration
	LockJitter    time.Duration

	// Auction engine
	AuctionLockTTL    time.Duration
	SnipeWindow       time.Duration
	SchedulerInterval time.Duration
	BidHistorySize    int
	BidRateLimit      int
	BidRateWindow     time.Duration

	// Trending engine
	BucketMinutes  int
	WindowMinutes  int
	BucketBuffer   int
	TopK           int
	UpdateInterval time.Duration
	Categories     []string

	// Fan-out gateway
	HeartbeatInterval time.Duration
	SSEKeepalive      time.Duration
	SessionSendBuffer int
}

// Load builds a Config from the environment with defaults.
func Load() Config {
	return Config{
		ListenAddr:   ParseString("BIDBOOK_LISTEN", ":8080"),
		MetricsAddr:  ParseString("BIDBOOK_METRICS_LISTEN", ""),
		ReadTimeout:  ParseDuration("BIDBOOK_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: ParseDuration("BIDBOOK_WRITE_TIMEOUT", 0), // 0: SSE/WS streams stay open

		LogLevel:   ParseString("BIDBOOK_LOG_LEVEL", "info"),
		LogService: ParseString("BIDBOOK_LOG_SERVICE", "bidbook"),

		DBPath:        ParseString("BIDBOOK_DB_PATH", "bidbook.db"),
		DBBusyTimeout: ParseDuration("BIDBOOK_DB_BUSY_TIMEOUT", 5*time.Second),
		DBMaxConns:    ParseInt("BIDBOOK_DB_MAX_CONNS", 25),
		QueryDeadline: ParseDuration("BIDBOOK_QUERY_DEADLINE", 5*time.Second),

		RedisAddr:     ParseString("BIDBOOK_REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("BIDBOOK_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("BIDBOOK_REDIS_DB", 0),

		HoldDuration:   ParseDuration("BIDBOOK_HOLD_DURATION", 15*time.Minute),
		ExpiryInterval: ParseDuration("BIDBOOK_EXPIRY_INTERVAL", 60*time.Second),
		AvailCacheTTL:  ParseDuration("BIDBOOK_AVAIL_CACHE_TTL", 5*time.Minute),

		LockTTL:       ParseDuration("BIDBOOK_LOCK_TTL", 30*time.Second),
		LockRetries:   ParseInt("BIDBOOK_LOCK_RETRIES", 3),
		LockBaseDelay: ParseDuration("BIDBOOK_LOCK_BASE_DELAY", 100*time.Millisecond),
		LockJitter:    ParseDuration("BIDBOOK_LOCK_JITTER", 50*time.Millisecond),

		AuctionLockTTL:    ParseDuration("BIDBOOK_AUCTION_LOCK_TTL", 5*time.Second),
		SnipeWindow:       ParseDuration("BIDBOOK_SNIPE_WINDOW", 2*time.Minute),
		SchedulerInterval: ParseDuration("BIDBOOK_SCHEDULER_INTERVAL", time.Second),
		BidHistorySize:    ParseInt("BIDBOOK_BID_HISTORY_SIZE", 20),
		BidRateLimit:      ParseInt("BIDBOOK_BID_RATE_LIMIT", 10),
		BidRateWindow:     ParseDuration("BIDBOOK_BID_RATE_WINDOW", 60*time.Second),

		BucketMinutes:  ParseInt("BIDBOOK_TRENDING_BUCKET_MINUTES", 1),
		WindowMinutes:  ParseInt("BIDBOOK_TRENDING_WINDOW_MINUTES", 60),
		BucketBuffer:   ParseInt("BIDBOOK_TRENDING_BUCKET_BUFFER", 5),
		TopK:           ParseInt("BIDBOOK_TRENDING_TOP_K", 10),
		UpdateInterval: ParseDuration("BIDBOOK_TRENDING_UPDATE_INTERVAL", 5*time.Second),
		Categories:     splitCSV(ParseString("BIDBOOK_TRENDING_CATEGORIES", "music,gaming,news,sports")),

		HeartbeatInterval: ParseDuration("BIDBOOK_HEARTBEAT_INTERVAL", 30*time.Second),
		SSEKeepalive:      ParseDuration("BIDBOOK_SSE_KEEPALIVE", 15*time.Second),
		SessionSendBuffer: ParseInt("BIDBOOK_SESSION_SEND_BUFFER", 64),
	}
}

// Validate rejects configurations that cannot work. Called once at startup;
// the daemon fails fast instead of limping.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: redis address must not be empty")
	}
	if c.HoldDuration <= 0 {
		return fmt.Errorf("config: hold duration must be positive, got %s", c.HoldDuration)
	}
	if c.LockTTL <= 0 || c.AuctionLockTTL <= 0 {
		return fmt.Errorf("config: lock TTLs must be positive")
	}
	if c.LockRetries < 0 {
		return fmt.Errorf("config: lock retries must not be negative, got %d", c.LockRetries)
	}
	if c.BucketMinutes < 1 {
		return fmt.Errorf("config: bucket minutes must be >= 1, got %d", c.BucketMinutes)
	}
	if c.WindowMinutes < c.BucketMinutes {
		return fmt.Errorf("config: window (%dm) must cover at least one bucket (%dm)", c.WindowMinutes, c.BucketMinutes)
	}
	if c.TopK < 1 {
		return fmt.Errorf("config: top-k must be >= 1, got %d", c.TopK)
	}
	if c.BidRateLimit < 1 || c.BidRateWindow <= 0 {
		return fmt.Errorf("config: bid rate limit must be >= 1 per positive window")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config: at least one trending category required")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
