// SPDX-License-Identifier: MIT

// Package api is the HTTP edge: routing, identity extraction, fault
// mapping, and the realtime upgrade points. All domain decisions live in
// the engines; handlers translate between the wire and engine calls.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bidbook/bidbook/internal/auction"
	"github.com/bidbook/bidbook/internal/availability"
	"github.com/bidbook/bidbook/internal/config"
	"github.com/bidbook/bidbook/internal/fanout"
	"github.com/bidbook/bidbook/internal/health"
	"github.com/bidbook/bidbook/internal/log"
	"github.com/bidbook/bidbook/internal/reservation"
	"github.com/bidbook/bidbook/internal/store"
	"github.com/bidbook/bidbook/internal/trending"
)

// Server wires the handlers to the engines.
type Server struct {
	cfg          config.Config
	store        *store.Store
	reservations *reservation.Engine
	auctions     *auction.Engine
	availability *availability.Calculator
	trending     *trending.Service
	hub          *fanout.Hub
	healthMgr    *health.Manager
	sseKeepalive time.Duration
	logger       zerolog.Logger
}

// Deps collects the server's dependencies.
type Deps struct {
	Store        *store.Store
	Reservations *reservation.Engine
	Auctions     *auction.Engine
	Availability *availability.Calculator
	Trending     *trending.Service
	Hub          *fanout.Hub
	Health       *health.Manager
}

// New builds the server.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		store:        deps.Store,
		reservations: deps.Reservations,
		auctions:     deps.Auctions,
		availability: deps.Availability,
		trending:     deps.Trending,
		hub:          deps.Hub,
		healthMgr:    deps.Health,
		sseKeepalive: cfg.SSEKeepalive,
		logger:       logger.With().Str(log.FieldComponent, "api").Logger(),
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)

	// Probes and metrics stay outside the rate limit.
	r.Get("/healthz", s.healthMgr.ServeHealth)
	r.Get("/readyz", s.healthMgr.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Realtime endpoints hold connections open; no write limiter.
	r.Get("/ws", s.hub.ServeWS)
	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		s.hub.ServeSSE(s.sseKeepalive, w, req)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(ipRateLimit(120, time.Minute))

			r.Post("/reservations", s.handleCreateReservation)
			r.Get("/reservations/{id}", s.handleGetReservation)
			r.Post("/reservations/{id}/confirm", s.handleConfirmReservation)
			r.Post("/reservations/{id}/cancel", s.handleCancelReservation)

			r.Get("/rooms/{roomTypeID}/availability", s.handleCheckAvailability)
			r.Get("/rooms/{roomTypeID}/calendar", s.handleAvailabilityCalendar)
			r.Put("/rooms/{roomTypeID}/pricing", s.handleSetPriceOverride)
			r.Delete("/rooms/{roomTypeID}", s.handleDeleteRoomType)
			r.Post("/hotels", s.handleCreateHotel)
			r.Post("/hotels/{hotelID}/rooms", s.handleCreateRoomType)

			r.Post("/auctions", s.handleCreateAuction)
			r.Get("/auctions/{id}", s.handleGetAuction)
			r.Post("/auctions/{id}/bids", s.handlePlaceBid)
			r.Get("/auctions/{id}/bids", s.handleBidHistory)
			r.Put("/auctions/{id}/autobid", s.handleSetAutoBid)
			r.Delete("/auctions/{id}/autobid", s.handleCancelAutoBid)
			r.Post("/auctions/{id}/watch", s.handleWatchAuction)
			r.Delete("/auctions/{id}/watch", s.handleUnwatchAuction)
			r.Get("/notifications", s.handleNotifications)

			r.Post("/videos", s.handleCreateVideo)
			r.Post("/videos/{id}/view", s.handleRecordView)
			r.Get("/videos/{id}/views", s.handleVideoViews)
			r.Get("/trending", s.handleTrending)
			r.Get("/trending/stats", s.handleTrendingStats)
		})

		r.Get("/trending/stream", s.handleTrendingStream)
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown incomplete")
		return srv.Close()
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
