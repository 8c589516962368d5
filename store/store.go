// Package store is the system of record for transcoding jobs and
// completed renditions, backed by Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcoding_jobs (
	id            UUID PRIMARY KEY,
	chapter_id    TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	progress      INT  NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transcoding_jobs_chapter_idx
	ON transcoding_jobs (chapter_id, created_at DESC);

CREATE TABLE IF NOT EXISTS transcoded_chapters (
	chapter_id       TEXT NOT NULL,
	bitrate          INT  NOT NULL,
	playlist_url     TEXT NOT NULL,
	segments_path    TEXT NOT NULL,
	storage_provider TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chapter_id, bitrate)
);
`

type Store struct {
	db *sql.DB
}

// New opens a Postgres connection pool for the given connection string.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error opening postgres connection: %w", err)
	}

	// Without these we've run into issues exceeding our open connection limit
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the schema. Statements are idempotent so this is safe
// to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
