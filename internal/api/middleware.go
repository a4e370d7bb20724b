// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/log"
)

// requestIDMiddleware seeds the request and correlation ids into the
// context so every downstream log line carries them. An incoming
// X-Request-Id is honored, otherwise one is minted.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := log.ContextWithRequestID(r.Context(), requestID)
		ctx = log.ContextWithCorrelationID(ctx, requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// accessLogMiddleware emits one structured line per request.
func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger := log.WithComponentFromContext(r.Context(), "http")
		logger.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// ipRateLimit is the coarse per-IP limit in front of the write routes.
// The fine-grained per-actor bid limit lives in the auction engine.
func ipRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:  string(fault.KindRateLimited),
				Detail: "too many requests",
			})
		}),
	)
}

// actorID extracts the acting user. Authentication happens upstream; the
// gateway forwards the verified identity in headers.
func actorID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

// isPrivileged reports whether the caller holds an operator role.
func isPrivileged(r *http.Request) bool {
	role := r.Header.Get("X-User-Role")
	return role == "admin" || role == "owner"
}

// idempotencyKey returns the caller-supplied idempotency key. Both
// header spellings in the wild are accepted.
func idempotencyKey(r *http.Request) string {
	if v := r.Header.Get("X-Idempotency-Key"); v != "" {
		return v
	}
	return r.Header.Get("Idempotency-Key")
}
