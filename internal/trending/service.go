// SPDX-License-Identifier: MIT

package trending

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/bus"
	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/metrics"
	"github.com/bidbook/bidbook/internal/store"
)

// ServiceConfig tunes the recompute loop.
type ServiceConfig struct {
	TopK           int
	UpdateInterval time.Duration
	FlushInterval  time.Duration // durable total-views flush cadence
	Categories     []string      // categories recomputed besides "all"
	SampleRate     float64       // fraction of views mirrored to view_events
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TopK:           10,
		UpdateInterval: 5 * time.Second,
		FlushInterval:  time.Minute,
		SampleRate:     0.01,
	}
}

// Service recomputes the trending snapshots on a fixed cadence and
// publishes changed ones to the bus. Reads are served from the last
// snapshot, never by recomputing inline.
type Service struct {
	counter *Counter
	store   *store.Store
	pub     *bus.Publisher
	cfg     ServiceConfig
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	snapshots map[string][]Entry
	updatedAt time.Time
}

// NewService wires the service.
func NewService(counter *Counter, st *store.Store, pub *bus.Publisher, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 5 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &Service{
		counter:   counter,
		store:     st,
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With().Str(log.FieldComponent, "trending").Logger(),
		now:       time.Now,
		snapshots: map[string][]Entry{},
	}
}

// RecordView counts a view and mirrors a sampled fraction into the
// analytic event table.
func (s *Service) RecordView(ctx context.Context, videoID, viewerID string) (bool, error) {
	v, err := s.store.Video(ctx, videoID)
	if err != nil {
		return false, err
	}
	counted, err := s.counter.RecordView(ctx, videoID, v.Category, viewerID)
	if err != nil || !counted {
		return counted, err
	}
	if s.cfg.SampleRate > 0 && rand.Float64() < s.cfg.SampleRate {
		if err := s.store.InsertViewEvent(ctx, videoID, s.now().UTC()); err != nil {
			s.logger.Warn().Err(err).Str("video_id", videoID).Msg("view event insert failed")
		}
	}
	return true, nil
}

// TotalViews returns the durable count plus the unflushed KV delta.
func (s *Service) TotalViews(ctx context.Context, videoID string) (int64, error) {
	v, err := s.store.Video(ctx, videoID)
	if err != nil {
		return 0, err
	}
	pending, err := s.counter.TotalViews(ctx, videoID)
	if err != nil {
		return 0, err
	}
	return v.TotalViews + pending, nil
}

// Snapshot returns the last computed top-K of a category.
func (s *Service) Snapshot(category string) ([]Entry, time.Time, error) {
	if category == "" {
		category = CategoryAll
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.snapshots[category]
	if !ok {
		return nil, time.Time{}, fault.NotFound("no trending snapshot for category %s", category)
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, s.updatedAt, nil
}

// CategoryStat summarizes one snapshot for the stats endpoint.
type CategoryStat struct {
	Category string `json:"category"`
	Entries  int    `json:"entries"`
}

// Stats lists the computed snapshots and the time of the last recompute.
func (s *Service) Stats() ([]CategoryStat, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CategoryStat, 0, len(s.snapshots)+1)
	for _, category := range append([]string{CategoryAll}, s.cfg.Categories...) {
		entries, ok := s.snapshots[category]
		if !ok {
			continue
		}
		out = append(out, CategoryStat{Category: category, Entries: len(entries)})
	}
	return out, s.updatedAt
}

// Run recomputes until the context is cancelled, flushing durable totals
// on a slower cadence.
func (s *Service) Run(ctx context.Context) error {
	recompute := time.NewTicker(s.cfg.UpdateInterval)
	defer recompute.Stop()
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.UpdateInterval).
		Int("top_k", s.cfg.TopK).
		Msg("trending service started")
	s.Recompute(ctx)

	for {
		select {
		case <-ctx.Done():
			s.flushTotals(ctx)
			s.logger.Info().Msg("trending service stopped")
			return ctx.Err()
		case <-recompute.C:
			s.Recompute(ctx)
		case <-flush.C:
			s.flushTotals(ctx)
		}
	}
}

// Recompute rebuilds every category snapshot and publishes the changed
// ones. Exported so tests can drive it deterministically.
func (s *Service) Recompute(ctx context.Context) {
	start := time.Now()
	now := s.now().UTC()

	for _, category := range append([]string{CategoryAll}, s.cfg.Categories...) {
		entries, err := s.counter.TopK(ctx, category, s.cfg.TopK)
		if err != nil {
			s.logger.Warn().Err(err).Str("category", category).Msg("top-k recompute failed")
			continue
		}

		s.mu.Lock()
		changed := !entriesEqual(s.snapshots[category], entries)
		s.snapshots[category] = entries
		s.updatedAt = now
		s.mu.Unlock()

		if !changed {
			continue
		}
		update := bus.TrendingUpdate{
			Type:      bus.TypeTrendingUpdate,
			Category:  category,
			UpdatedAt: now,
		}
		for _, e := range entries {
			update.Videos = append(update.Videos, bus.TrendingEntry{VideoID: e.VideoID, Views: e.Views})
		}
		s.pub.Publish(ctx, bus.TrendingRoom(category), update)
	}

	metrics.TrendingRecompute.Observe(time.Since(start).Seconds())
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// flushTotals drains the pending view deltas into the videos table.
func (s *Service) flushTotals(ctx context.Context) {
	deltas, err := s.counter.drainTotals(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("total views drain failed")
		return
	}
	for videoID, delta := range deltas {
		if err := s.store.AddVideoViews(ctx, videoID, delta); err != nil {
			s.logger.Warn().Err(err).Str("video_id", videoID).Msg("total views flush failed")
		}
	}
	if len(deltas) > 0 {
		s.logger.Debug().Int("videos", len(deltas)).Msg("total views flushed")
	}
}
