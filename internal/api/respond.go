// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/log"
)

// errorBody is the single error envelope of the API.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`

	// Kind-specific hints.
	AvailableRooms *int   `json:"availableRooms,omitempty"`
	MinimumBid     *int64 `json:"minimumBid,omitempty"`

	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps fault kinds to HTTP statuses. Lock exhaustion and rate
// limits both surface as 429 so clients back off the same way.
func statusOf(kind fault.Kind) int {
	switch kind {
	case fault.KindBadRequest:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindConflict, fault.KindUnavailable, fault.KindBidTooLow:
		return http.StatusConflict
	case fault.KindRateLimited, fault.KindLockUnavailable:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err through the fault mapping. Internal causes are
// logged with the request id and never leaked to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{RequestID: log.RequestIDFromContext(r.Context())}

	var fe *fault.Error
	if !errors.As(err, &fe) {
		fe = fault.Internal(err, "internal error")
	}
	status := statusOf(fe.Kind)
	body.Error = string(fe.Kind)

	switch fe.Kind {
	case fault.KindInternal:
		logger := log.WithContext(r.Context(), log.Base())
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		body.Detail = "internal error"
	case fault.KindUnavailable:
		body.Detail = fe.Msg
		rooms := fe.AvailableRooms
		body.AvailableRooms = &rooms
	case fault.KindBidTooLow:
		body.Detail = fe.Msg
		minimum := fe.MinimumCents
		body.MinimumBid = &minimum
	case fault.KindRateLimited, fault.KindLockUnavailable:
		body.Detail = fe.Msg
		if fe.RetryAfter > 0 {
			secs := int(fe.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	default:
		body.Detail = fe.Msg
	}

	writeJSON(w, status, body)
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.BadRequest("invalid request body: %v", err)
	}
	return nil
}
