// SPDX-License-Identifier: MIT

// Command bidbookd runs the bidbook daemon: the HTTP/WS edge, the
// reservation and auction engines, the trending recompute loop, and the
// background sweeps, all over one SQLite store and one Redis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bidbook/bidbook/internal/api"
	"github.com/bidbook/bidbook/internal/auction"
	"github.com/bidbook/bidbook/internal/availability"
	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/config"
	"github.com/bidbook/bidbook/internal/fanout"
	"github.com/bidbook/bidbook/internal/health"
	"github.com/bidbook/bidbook/internal/idempotency"
	"github.com/bidbook/bidbook/internal/kv"
	"github.com/bidbook/bidbook/internal/lock"
	xlog "github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/ratelimit"
	"github.com/bidbook/bidbook/internal/reservation"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/trending"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.Load()
	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version,
	})
	logger := xlog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := xlog.WithComponent("daemon")

	st, err := store.Open(store.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  cfg.DBBusyTimeout,
		MaxOpenConns: cfg.DBMaxConns,
	}, xlog.WithComponent("store"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	kvc, err := kv.New(kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, xlog.WithComponent("kv"))
	if err != nil {
		return err
	}
	defer func() { _ = kvc.Close() }()

	locks := lock.NewManager(kvc.RPC(), xlog.WithComponent("lock"))
	idem := idempotency.New(kvc.RPC(), xlog.WithComponent("idempotency"))
	pub := bus.NewPublisher(kvc.RPC(), xlog.WithComponent("bus"))

	avail := availability.New(st, kvc.RPC(), cfg.AvailCacheTTL, xlog.WithComponent("availability"))
	reservations := reservation.New(st, locks, idem, avail, pub, reservation.Config{
		HoldDuration: cfg.HoldDuration,
		LockOptions: lock.Options{
			TTL:       cfg.LockTTL,
			Retries:   cfg.LockRetries,
			BaseDelay: cfg.LockBaseDelay,
			Jitter:    cfg.LockJitter,
		},
	}, xlog.WithComponent("reservation"))

	bidLimiter := ratelimit.New(kvc.RPC(), "bid", ratelimit.Config{
		Limit:  cfg.BidRateLimit,
		Window: cfg.BidRateWindow,
	}, xlog.WithComponent("ratelimit"))

	auctionCfg := auction.DefaultConfig()
	auctionCfg.LockTTL = cfg.AuctionLockTTL
	auctionCfg.SnipeWindow = cfg.SnipeWindow
	auctionCfg.HistorySize = cfg.BidHistorySize
	auctions := auction.New(st, locks, idem, kvc.RPC(), pub, bidLimiter, auctionCfg, xlog.WithComponent("auction"))
	scheduler := auction.NewScheduler(st, kvc.RPC(), pub, auctions, cfg.SchedulerInterval, xlog.Base())

	counter := trending.NewCounter(kvc.RPC(), idem, trending.CounterConfig{
		BucketMinutes: cfg.BucketMinutes,
		WindowMinutes: cfg.WindowMinutes,
		BucketBuffer:  cfg.BucketBuffer,
	}, xlog.WithComponent("trending"))
	trendingCfg := trending.DefaultServiceConfig()
	trendingCfg.TopK = cfg.TopK
	trendingCfg.UpdateInterval = cfg.UpdateInterval
	trendingCfg.Categories = cfg.Categories
	trendSvc := trending.NewService(counter, st, pub, trendingCfg, xlog.Base())

	hub := fanout.NewHub(stateLoader(auctions, trendSvc), fanout.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionSendBuffer: cfg.SessionSendBuffer,
	}, xlog.Base())
	sub := bus.NewSubscriber(kvc.Subscriber(), hub.HandleBusMessage, xlog.WithComponent("bus"))
	hub.SetSubscriber(sub)

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewPingChecker("kv", kvc))
	healthMgr.RegisterChecker(health.NewPingChecker("store", st))

	server := api.New(cfg, api.Deps{
		Store:        st,
		Reservations: reservations,
		Auctions:     auctions,
		Availability: avail,
		Trending:     trendSvc,
		Hub:          hub,
		Health:       healthMgr,
	}, xlog.Base())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return reservations.RunExpiry(ctx, cfg.ExpiryInterval) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return trendSvc.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sub.Run(ctx) })

	logger.Info().
		Str("event", "daemon.started").
		Str("listen", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Str("redis_addr", cfg.RedisAddr).
		Msg("bidbookd running")
	return g.Wait()
}

// stateLoader builds the STATE_SYNC payloads for freshly joined rooms.
func stateLoader(auctions *auction.Engine, trendSvc *trending.Service) fanout.StateLoader {
	return func(ctx context.Context, room string) (json.RawMessage, error) {
		switch {
		case strings.HasPrefix(room, "auction:"):
			dto, err := auctions.Get(ctx, strings.TrimPrefix(room, "auction:"))
			if err != nil {
				return nil, err
			}
			return json.Marshal(dto)
		case strings.HasPrefix(room, "trending:"):
			entries, updatedAt, err := trendSvc.Snapshot(strings.TrimPrefix(room, "trending:"))
			if err != nil {
				return nil, nil // no snapshot yet; sync carries no state
			}
			return json.Marshal(map[string]any{"videos": entries, "updatedAt": updatedAt})
		default:
			// Resource rooms sync lazily; the next availability read is
			// authoritative.
			return nil, nil
		}
	}
}
