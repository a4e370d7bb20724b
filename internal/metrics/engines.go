// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus collectors for the core engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "lock_acquisitions_total",
		Help:      "Distributed lock acquisition attempts by outcome",
	}, []string{"outcome"})

	LockHoldSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bidbook",
		Name:      "lock_hold_seconds",
		Help:      "Time distributed locks were held before release",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "idempotency_outcomes_total",
		Help:      "Idempotency reservation outcomes (acquired, in_progress, completed)",
	}, []string{"outcome"})

	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "reservations_total",
		Help:      "Reservation write attempts by outcome",
	}, []string{"outcome"})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "reservations_expired_total",
		Help:      "Reservations expired by the background sweep",
	})

	Bids = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "bids_total",
		Help:      "Bid attempts by outcome",
	}, []string{"outcome"})

	AuctionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "auctions_closed_total",
		Help:      "Auctions transitioned to ended by the scheduler",
	})

	SnipeExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "snipe_extensions_total",
		Help:      "Auction end times extended by snipe protection",
	})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "ratelimit_exceeded_total",
		Help:      "Per-actor rate limit rejections by action",
	}, []string{"action"})

	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "cache_invalidations_total",
		Help:      "Derived cache invalidations by cache kind",
	}, []string{"cache"})
)
