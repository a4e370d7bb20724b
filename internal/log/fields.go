// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldJobID         = "job_id"
	FieldActorID       = "actor_id"
	FieldSessionID     = "session_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Domain fields
	FieldReservationID = "reservation_id"
	FieldRoomTypeID    = "room_type_id"
	FieldAuctionID     = "auction_id"
	FieldBidID         = "bid_id"
	FieldVideoID       = "video_id"
	FieldCategory      = "category"
	FieldRoom          = "room"
	FieldLockKey       = "lock_key"
	FieldIdemKey       = "idem_key"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
