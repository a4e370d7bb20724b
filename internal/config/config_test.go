// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 15*time.Minute, cfg.HoldDuration)
	require.Equal(t, 2*time.Minute, cfg.SnipeWindow)
	require.Equal(t, []string{"music", "gaming", "news", "sports"}, cfg.Categories)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BIDBOOK_LISTEN", ":9090")
	t.Setenv("BIDBOOK_HOLD_DURATION", "5m")
	t.Setenv("BIDBOOK_BID_RATE_LIMIT", "42")
	t.Setenv("BIDBOOK_TRENDING_CATEGORIES", "music, sports ,")

	cfg := Load()
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 5*time.Minute, cfg.HoldDuration)
	require.Equal(t, 42, cfg.BidRateLimit)
	require.Equal(t, []string{"music", "sports"}, cfg.Categories)
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("BIDBOOK_HOLD_DURATION", "soon")
	t.Setenv("BIDBOOK_DB_MAX_CONNS", "many")

	cfg := Load()
	require.Equal(t, 15*time.Minute, cfg.HoldDuration)
	require.Equal(t, 25, cfg.DBMaxConns)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	base := Load()

	for name, mutate := range map[string]func(*Config){
		"empty listen":     func(c *Config) { c.ListenAddr = "" },
		"empty db path":    func(c *Config) { c.DBPath = "" },
		"empty redis":      func(c *Config) { c.RedisAddr = "" },
		"zero hold":        func(c *Config) { c.HoldDuration = 0 },
		"zero lock ttl":    func(c *Config) { c.LockTTL = 0 },
		"negative retries": func(c *Config) { c.LockRetries = -1 },
		"zero bucket":      func(c *Config) { c.BucketMinutes = 0 },
		"window too small": func(c *Config) { c.WindowMinutes = 0 },
		"zero top-k":       func(c *Config) { c.TopK = 0 },
		"zero rate limit":  func(c *Config) { c.BidRateLimit = 0 },
		"no categories":    func(c *Config) { c.Categories = nil },
	} {
		cfg := base
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}
