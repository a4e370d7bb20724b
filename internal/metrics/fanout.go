// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FanoutSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bidbook",
		Name:      "fanout_sessions",
		Help:      "Currently connected fan-out sessions",
	})

	FanoutMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "fanout_messages_total",
		Help:      "Messages delivered to sessions by message type",
	}, []string{"type"})

	FanoutDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "fanout_drops_total",
		Help:      "Messages dropped by topic and reason (backpressure, dead session)",
	}, []string{"room", "reason"})

	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "bus_publishes_total",
		Help:      "Bus publishes by outcome",
	}, []string{"outcome"})

	TrendingRecompute = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bidbook",
		Name:      "trending_recompute_seconds",
		Help:      "Duration of a full trending top-K recompute across categories",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	TrendingViews = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "trending_views_total",
		Help:      "Recorded views by category",
	}, []string{"category"})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidbook",
		Name:      "scheduler_ticks_total",
		Help:      "Auction scheduler ticks by outcome",
	}, []string{"outcome"})
)

// IncFanoutDrop records a dropped fan-out message with a concrete reason.
func IncFanoutDrop(room, reason string) {
	if room == "" {
		room = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	FanoutDrops.WithLabelValues(room, reason).Inc()
}
