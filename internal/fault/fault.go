// SPDX-License-Identifier: MIT

// Package fault defines the typed error kinds raised by the core engines.
// Every kind maps to a stable HTTP status at the API edge; hints such as
// the remaining room count or the minimum acceptable bid travel with the
// error so handlers never need to re-query.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindNotFound        Kind = "not_found"
	KindUnavailable     Kind = "unavailable"
	KindBidTooLow       Kind = "bid_too_low"
	KindConflict        Kind = "conflict"
	KindLockUnavailable Kind = "lock_unavailable"
	KindRateLimited     Kind = "rate_limited"
	KindForbidden       Kind = "forbidden"
	KindInternal        Kind = "internal"
)

// Error is the concrete error type carried across the core.
type Error struct {
	Kind Kind
	Msg  string

	// Optional hints surfaced in error bodies.
	AvailableRooms int           // Unavailable
	MinimumCents   int64         // BidTooLow
	RetryAfter     time.Duration // RateLimited, LockUnavailable

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two fault errors by kind, so callers can compare against a
// bare kind sentinel without caring about the message.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// KindOf returns the fault kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// BadRequest builds a validation error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds an absent-entity error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable signals the inventory check failed after the row lock.
func Unavailable(availableRooms int, format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...), AvailableRooms: availableRooms}
}

// BidTooLow signals a bid below currentPrice + increment.
func BidTooLow(minimumCents int64) *Error {
	return &Error{Kind: KindBidTooLow, Msg: "bid below minimum", MinimumCents: minimumCents}
}

// Conflict signals an idempotency in-progress collision or a forbidden
// state transition.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// LockUnavailable signals exhausted lock retries; surfaced as 429.
func LockUnavailable(retryAfter time.Duration) *Error {
	return &Error{Kind: KindLockUnavailable, Msg: "lock unavailable", RetryAfter: retryAfter}
}

// RateLimited signals a per-actor rate limit breach.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Msg: "rate limit exceeded", RetryAfter: retryAfter}
}

// Forbidden signals an actor acting outside its role.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error; the cause is logged, never leaked.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), cause: cause}
}
