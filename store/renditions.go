package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type RenditionStatus string

const (
	RenditionStatusProcessing RenditionStatus = "processing"
	RenditionStatusCompleted  RenditionStatus = "completed"
)

// Rendition is one completed bitrate version of a chapter. At most one
// row exists per (chapter_id, bitrate); the unique key serializes
// concurrent writers and the last writer wins for mutable fields.
type Rendition struct {
	ChapterID       string
	Bitrate         int
	PlaylistURL     string
	SegmentsPath    string
	StorageProvider string
	Status          RenditionStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertRendition inserts or replaces the rendition row for
// (chapter_id, bitrate).
func (s *Store) UpsertRendition(ctx context.Context, r Rendition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcoded_chapters (chapter_id, bitrate, playlist_url, segments_path, storage_provider, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chapter_id, bitrate) DO UPDATE
		SET playlist_url = EXCLUDED.playlist_url,
		    segments_path = EXCLUDED.segments_path,
		    storage_provider = EXCLUDED.storage_provider,
		    status = EXCLUDED.status,
		    updated_at = now()`,
		r.ChapterID, r.Bitrate, r.PlaylistURL, r.SegmentsPath, r.StorageProvider, r.Status)
	if err != nil {
		return fmt.Errorf("error upserting rendition (%s, %d): %w", r.ChapterID, r.Bitrate, err)
	}
	return nil
}

// GetRendition returns the rendition row for (chapter_id, bitrate), or
// ErrNotFound.
func (s *Store) GetRendition(ctx context.Context, chapterID string, bitrate int) (Rendition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chapter_id, bitrate, playlist_url, segments_path, storage_provider, status, created_at, updated_at
		FROM transcoded_chapters
		WHERE chapter_id = $1 AND bitrate = $2`,
		chapterID, bitrate)

	var r Rendition
	err := row.Scan(&r.ChapterID, &r.Bitrate, &r.PlaylistURL, &r.SegmentsPath,
		&r.StorageProvider, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Rendition{}, ErrNotFound
	}
	if err != nil {
		return Rendition{}, fmt.Errorf("error fetching rendition (%s, %d): %w", chapterID, bitrate, err)
	}
	return r, nil
}

// CompletedBitrates returns the ascending list of bitrates with a
// completed rendition for the chapter.
func (s *Store) CompletedBitrates(ctx context.Context, chapterID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bitrate FROM transcoded_chapters
		WHERE chapter_id = $1 AND status = $2
		ORDER BY bitrate ASC`,
		chapterID, RenditionStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("error fetching completed bitrates for chapter %s: %w", chapterID, err)
	}
	defer rows.Close()

	var bitrates []int
	for rows.Next() {
		var b int
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("error scanning bitrate: %w", err)
		}
		bitrates = append(bitrates, b)
	}
	return bitrates, rows.Err()
}

// DeleteRenditions removes every rendition row for a chapter and
// returns the number of rows removed.
func (s *Store) DeleteRenditions(ctx context.Context, chapterID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transcoded_chapters WHERE chapter_id = $1`, chapterID)
	if err != nil {
		return 0, fmt.Errorf("error deleting renditions for chapter %s: %w", chapterID, err)
	}
	return res.RowsAffected()
}
