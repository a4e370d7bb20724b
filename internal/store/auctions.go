// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bidbook/bidbook/internal/fault"
	"github.com/bidbook/bidbook/internal/types"
)

// CreateAuction inserts a new auction row.
func (s *Store) CreateAuction(ctx context.Context, a *Auction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auctions (id, seller_id, title, starting_price_cents, current_price_cents,
			bid_increment_cents, start_time, end_time, snipe_protection_minutes, status,
			version, winner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SellerID, a.Title, int64(a.StartingPrice), int64(a.CurrentPrice),
		int64(a.BidIncrement), nowMillis(a.StartTime), nowMillis(a.EndTime),
		int(a.SnipeProtection/time.Minute), string(a.Status),
		a.Version, nullable(a.WinnerID), nowMillis(a.CreatedAt), nowMillis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create auction: %w", err)
	}
	return nil
}

const auctionQuery = `SELECT id, seller_id, title, starting_price_cents, current_price_cents,
	bid_increment_cents, start_time, end_time, snipe_protection_minutes, status,
	version, winner_id, created_at, updated_at FROM auctions`

// Auction reads an auction outside any transaction.
func (s *Store) Auction(ctx context.Context, id string) (*Auction, error) {
	return scanAuction(s.db.QueryRowContext(ctx, auctionQuery+` WHERE id = ?`, id))
}

// AuctionTx re-reads the auction inside the write transaction. end_time
// and status are validated against this read, never against a cache.
func (s *Store) AuctionTx(ctx context.Context, tx *sql.Tx, id string) (*Auction, error) {
	return scanAuction(tx.QueryRowContext(ctx, auctionQuery+` WHERE id = ?`, id))
}

func scanAuction(row *sql.Row) (*Auction, error) {
	var a Auction
	var starting, current, increment, start, end, createdAt, updatedAt int64
	var snipeMinutes int
	var status string
	var winner sql.NullString
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &starting, &current, &increment,
		&start, &end, &snipeMinutes, &status, &a.Version, &winner, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("auction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan auction: %w", err)
	}
	a.StartingPrice = types.Cents(starting)
	a.CurrentPrice = types.Cents(current)
	a.BidIncrement = types.Cents(increment)
	a.StartTime = fromMillis(start)
	a.EndTime = fromMillis(end)
	a.SnipeProtection = time.Duration(snipeMinutes) * time.Minute
	a.Status = AuctionStatus(status)
	a.WinnerID = winner.String
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// ActivateScheduledAuctions flips scheduled auctions whose start time has
// passed to active, returning their ids.
func (s *Store) ActivateScheduledAuctions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE auctions SET status = 'active', updated_at = ?
		WHERE status = 'scheduled' AND start_time <= ?
		RETURNING id`,
		nowMillis(now), nowMillis(now))
	if err != nil {
		return nil, fmt.Errorf("store: activate auctions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextBidSequence returns the next dense per-auction sequence number,
// valid only inside the write transaction.
func (s *Store) NextBidSequence(ctx context.Context, tx *sql.Tx, auctionID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM bids WHERE auction_id = ?`,
		auctionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: next bid sequence: %w", err)
	}
	return seq, nil
}

// InsertBid appends a bid row inside the transaction.
func (s *Store) InsertBid(ctx context.Context, tx *sql.Tx, b *Bid) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount_cents, is_auto_bid, sequence_num, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.AuctionID, b.BidderID, int64(b.Amount), boolInt(b.IsAutoBid), b.Sequence, nowMillis(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert bid: %w", err)
	}
	return nil
}

// UpdateAuctionOnBid records the new current price, bumps the optimistic
// version, and persists any snipe-extended end time.
func (s *Store) UpdateAuctionOnBid(ctx context.Context, tx *sql.Tx, auctionID string, currentPrice types.Cents, endTime time.Time, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE auctions SET current_price_cents = ?, end_time = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		int64(currentPrice), nowMillis(endTime), nowMillis(now), auctionID)
	if err != nil {
		return fmt.Errorf("store: update auction on bid: %w", err)
	}
	return nil
}

// Bids returns the most recent bids of an auction, newest first.
func (s *Store) Bids(ctx context.Context, auctionID string, limit int) ([]Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount_cents, is_auto_bid, sequence_num, created_at
		FROM bids WHERE auction_id = ? ORDER BY sequence_num DESC LIMIT ?`,
		auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list bids: %w", err)
	}
	defer rows.Close()
	return collectBids(rows)
}

// BidsAscending returns all bids of an auction in sequence order.
func (s *Store) BidsAscending(ctx context.Context, auctionID string) ([]Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount_cents, is_auto_bid, sequence_num, created_at
		FROM bids WHERE auction_id = ? ORDER BY sequence_num ASC`,
		auctionID)
	if err != nil {
		return nil, fmt.Errorf("store: list bids ascending: %w", err)
	}
	defer rows.Close()
	return collectBids(rows)
}

func collectBids(rows *sql.Rows) ([]Bid, error) {
	var out []Bid
	for rows.Next() {
		var b Bid
		var amount, createdAt int64
		var isAuto int
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &isAuto, &b.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan bid: %w", err)
		}
		b.Amount = types.Cents(amount)
		b.IsAutoBid = isAuto != 0
		b.CreatedAt = fromMillis(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActiveAutoBids returns the active proxy bids on an auction, strongest
// first (highest cap, earlier creation breaking ties). The exclude
// parameter drops the acting bidder's own row.
func (s *Store) ActiveAutoBids(ctx context.Context, tx *sql.Tx, auctionID, excludeBidder string) ([]AutoBid, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT auction_id, bidder_id, max_amount_cents, is_active, created_at, updated_at
		FROM auto_bids
		WHERE auction_id = ? AND is_active = 1 AND bidder_id <> ?
		ORDER BY max_amount_cents DESC, created_at ASC`,
		auctionID, excludeBidder)
	if err != nil {
		return nil, fmt.Errorf("store: active auto bids: %w", err)
	}
	defer rows.Close()
	var out []AutoBid
	for rows.Next() {
		var ab AutoBid
		var maxAmount, createdAt, updatedAt int64
		var active int
		if err := rows.Scan(&ab.AuctionID, &ab.BidderID, &maxAmount, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan auto bid: %w", err)
		}
		ab.MaxAmount = types.Cents(maxAmount)
		ab.IsActive = active != 0
		ab.CreatedAt = fromMillis(createdAt)
		ab.UpdatedAt = fromMillis(updatedAt)
		out = append(out, ab)
	}
	return out, rows.Err()
}

// AutoBidFor returns a bidder's auto-bid row, active or not.
func (s *Store) AutoBidFor(ctx context.Context, q Querier, auctionID, bidderID string) (*AutoBid, error) {
	if q == nil {
		q = s.db
	}
	var ab AutoBid
	var maxAmount, createdAt, updatedAt int64
	var active int
	err := q.QueryRowContext(ctx, `
		SELECT auction_id, bidder_id, max_amount_cents, is_active, created_at, updated_at
		FROM auto_bids WHERE auction_id = ? AND bidder_id = ?`,
		auctionID, bidderID).Scan(&ab.AuctionID, &ab.BidderID, &maxAmount, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("auto-bid not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: auto bid for: %w", err)
	}
	ab.MaxAmount = types.Cents(maxAmount)
	ab.IsActive = active != 0
	ab.CreatedAt = fromMillis(createdAt)
	ab.UpdatedAt = fromMillis(updatedAt)
	return &ab, nil
}

// UpsertAutoBid creates or reactivates a proxy bid inside the transaction.
func (s *Store) UpsertAutoBid(ctx context.Context, tx *sql.Tx, ab *AutoBid) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO auto_bids (auction_id, bidder_id, max_amount_cents, is_active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (auction_id, bidder_id) DO UPDATE SET
			max_amount_cents = excluded.max_amount_cents,
			is_active = 1,
			updated_at = excluded.updated_at`,
		ab.AuctionID, ab.BidderID, int64(ab.MaxAmount), nowMillis(ab.CreatedAt), nowMillis(ab.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert auto bid: %w", err)
	}
	return nil
}

// DeactivateAutoBid marks a proxy bid inactive (outbid past its cap, or
// cancelled by the bidder).
func (s *Store) DeactivateAutoBid(ctx context.Context, q Querier, auctionID, bidderID string, now time.Time) error {
	if q == nil {
		q = s.db
	}
	_, err := q.ExecContext(ctx, `
		UPDATE auto_bids SET is_active = 0, updated_at = ? WHERE auction_id = ? AND bidder_id = ?`,
		nowMillis(now), auctionID, bidderID)
	if err != nil {
		return fmt.Errorf("store: deactivate auto bid: %w", err)
	}
	return nil
}

// CloseAuction atomically ends an active, overdue auction, crowning the
// highest bidder. At most one scheduler instance wins the update; the
// others see zero rows affected.
func (s *Store) CloseAuction(ctx context.Context, auctionID string, now time.Time) (*Auction, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET status = 'ended', updated_at = ?,
			winner_id = (SELECT bidder_id FROM bids
				WHERE auction_id = auctions.id ORDER BY sequence_num DESC LIMIT 1)
		WHERE id = ? AND status = 'active' AND end_time <= ?`,
		nowMillis(now), auctionID, nowMillis(now))
	if err != nil {
		return nil, false, fmt.Errorf("store: close auction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, false, nil
	}
	a, err := s.Auction(ctx, auctionID)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// AddWatch records a user watching an auction. Idempotent.
func (s *Store) AddWatch(ctx context.Context, userID, auctionID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watches (user_id, auction_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id, auction_id) DO NOTHING`,
		userID, auctionID, nowMillis(now))
	if err != nil {
		return fmt.Errorf("store: add watch: %w", err)
	}
	return nil
}

// RemoveWatch clears a watch toggle.
func (s *Store) RemoveWatch(ctx context.Context, userID, auctionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE user_id = ? AND auction_id = ?`, userID, auctionID)
	if err != nil {
		return fmt.Errorf("store: remove watch: %w", err)
	}
	return nil
}

// WatcherCount returns how many users watch an auction.
func (s *Store) WatcherCount(ctx context.Context, auctionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watches WHERE auction_id = ?`, auctionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: watcher count: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
