// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
)

// Timestamps are stored as integer milliseconds since epoch, calendar
// dates as TEXT YYYY-MM-DD (ISO ordering makes range predicates plain
// string comparisons), money as integer cents.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user','owner','admin')),
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hotels (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL REFERENCES users(id),
	name       TEXT NOT NULL,
	city       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS room_types (
	id               TEXT PRIMARY KEY,
	hotel_id         TEXT NOT NULL REFERENCES hotels(id),
	name             TEXT NOT NULL,
	capacity         INTEGER NOT NULL DEFAULT 2,
	total_count      INTEGER NOT NULL CHECK (total_count >= 1),
	base_price_cents INTEGER NOT NULL CHECK (base_price_cents >= 0),
	is_active        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bookings (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES users(id),
	hotel_id         TEXT NOT NULL REFERENCES hotels(id),
	room_type_id     TEXT NOT NULL REFERENCES room_types(id),
	check_in         TEXT NOT NULL,
	check_out        TEXT NOT NULL,
	room_count       INTEGER NOT NULL CHECK (room_count >= 1),
	guest_count      INTEGER NOT NULL DEFAULT 1,
	total_price_cents INTEGER NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('reserved','confirmed','cancelled','completed','expired')),
	payment_id       TEXT,
	idempotency_key  TEXT NOT NULL UNIQUE,
	reserved_until   INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	CHECK (check_out > check_in)
);
CREATE INDEX IF NOT EXISTS idx_bookings_room_dates
	ON bookings (room_type_id, check_in, check_out) WHERE status IN ('reserved','confirmed');
CREATE INDEX IF NOT EXISTS idx_bookings_expiry
	ON bookings (reserved_until) WHERE status = 'reserved';

CREATE TABLE IF NOT EXISTS pricing_overrides (
	room_type_id TEXT NOT NULL REFERENCES room_types(id),
	date         TEXT NOT NULL,
	price_cents  INTEGER NOT NULL CHECK (price_cents >= 0),
	PRIMARY KEY (room_type_id, date)
);

CREATE TABLE IF NOT EXISTS auctions (
	id                       TEXT PRIMARY KEY,
	seller_id                TEXT NOT NULL REFERENCES users(id),
	title                    TEXT NOT NULL DEFAULT '',
	starting_price_cents     INTEGER NOT NULL CHECK (starting_price_cents >= 0),
	current_price_cents      INTEGER NOT NULL,
	bid_increment_cents      INTEGER NOT NULL CHECK (bid_increment_cents >= 1),
	start_time               INTEGER NOT NULL,
	end_time                 INTEGER NOT NULL,
	snipe_protection_minutes INTEGER NOT NULL DEFAULT 2,
	status                   TEXT NOT NULL CHECK (status IN ('scheduled','active','ended','cancelled')),
	version                  INTEGER NOT NULL DEFAULT 0,
	winner_id                TEXT,
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auctions_ending ON auctions (end_time) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS bids (
	id           TEXT PRIMARY KEY,
	auction_id   TEXT NOT NULL REFERENCES auctions(id),
	bidder_id    TEXT NOT NULL REFERENCES users(id),
	amount_cents INTEGER NOT NULL,
	is_auto_bid  INTEGER NOT NULL DEFAULT 0,
	sequence_num INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE (auction_id, sequence_num)
);
CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids (auction_id, sequence_num DESC);

CREATE TABLE IF NOT EXISTS auto_bids (
	auction_id       TEXT NOT NULL REFERENCES auctions(id),
	bidder_id        TEXT NOT NULL REFERENCES users(id),
	max_amount_cents INTEGER NOT NULL,
	is_active        INTEGER NOT NULL DEFAULT 1,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (auction_id, bidder_id)
);

CREATE TABLE IF NOT EXISTS watches (
	user_id    TEXT NOT NULL REFERENCES users(id),
	auction_id TEXT NOT NULL REFERENCES auctions(id),
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, auction_id)
);

CREATE TABLE IF NOT EXISTS videos (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	total_views INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS view_events (
	video_id  TEXT NOT NULL REFERENCES videos(id),
	viewed_at INTEGER NOT NULL
);
`

// Migrate creates the schema if absent. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	s.logger.Info().Msg("schema migrated")
	return nil
}
