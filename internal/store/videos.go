// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bidbook/bidbook/internal/fault"
)

// CreateVideo inserts a video row.
func (s *Store) CreateVideo(ctx context.Context, v *Video) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (id, category, title, total_views) VALUES (?, ?, ?, ?)`,
		v.ID, v.Category, v.Title, v.TotalViews)
	if err != nil {
		return fmt.Errorf("store: create video: %w", err)
	}
	return nil
}

// Video reads a video by id.
func (s *Store) Video(ctx context.Context, id string) (*Video, error) {
	var v Video
	err := s.db.QueryRowContext(ctx,
		`SELECT id, category, title, total_views FROM videos WHERE id = ?`, id).
		Scan(&v.ID, &v.Category, &v.Title, &v.TotalViews)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("video not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get video: %w", err)
	}
	return &v, nil
}

// AddVideoViews folds a drained KV delta into the durable lifetime
// counter; called by the trending service's flush pass.
func (s *Store) AddVideoViews(ctx context.Context, videoID string, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET total_views = total_views + ? WHERE id = ?`, delta, videoID)
	if err != nil {
		return fmt.Errorf("store: add video views: %w", err)
	}
	return nil
}

// InsertViewEvent stores a sampled analytic view event. The trending
// engine never reads this table.
func (s *Store) InsertViewEvent(ctx context.Context, videoID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO view_events (video_id, viewed_at) VALUES (?, ?)`, videoID, nowMillis(at))
	if err != nil {
		return fmt.Errorf("store: insert view event: %w", err)
	}
	return nil
}
