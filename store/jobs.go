package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Job is one pass of a chapter through the transcoding pipeline. The
// most recent row by created_at is the authoritative one per chapter.
type Job struct {
	ID           string
	ChapterID    string
	Status       JobStatus
	Progress     int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateJob inserts a new processing job row for a chapter.
func (s *Store) CreateJob(ctx context.Context, chapterID string) (Job, error) {
	job := Job{
		ID:        uuid.NewString(),
		ChapterID: chapterID,
		Status:    JobStatusProcessing,
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO transcoding_jobs (id, chapter_id, status, progress, started_at)
		VALUES ($1, $2, $3, 0, now())
		RETURNING started_at, created_at, updated_at`,
		job.ID, job.ChapterID, job.Status)
	var startedAt time.Time
	if err := row.Scan(&startedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, fmt.Errorf("error creating job for chapter %s: %w", chapterID, err)
	}
	job.StartedAt = &startedAt
	return job, nil
}

// UpdateJobProgress bumps the progress percentage. Progress may regress
// if updates arrive out of order; callers treat it as coarse.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcoding_jobs SET progress = $2, updated_at = now() WHERE id = $1`,
		jobID, progress)
	if err != nil {
		return fmt.Errorf("error updating progress for job %s: %w", jobID, err)
	}
	return nil
}

// CompleteJob marks a job completed with progress 100 and a completion time.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcoding_jobs
		SET status = $2, progress = 100, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		jobID, JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("error completing job %s: %w", jobID, err)
	}
	return nil
}

// FailJob marks a job failed with an error message.
func (s *Store) FailJob(ctx context.Context, jobID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcoding_jobs
		SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		jobID, JobStatusFailed, errorMessage)
	if err != nil {
		return fmt.Errorf("error failing job %s: %w", jobID, err)
	}
	return nil
}

// LatestJob returns the most recent job row for a chapter, or ErrNotFound.
func (s *Store) LatestJob(ctx context.Context, chapterID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chapter_id, status, progress, started_at, completed_at, error_message, created_at, updated_at
		FROM transcoding_jobs
		WHERE chapter_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		chapterID)

	var job Job
	var startedAt, completedAt sql.NullTime
	var errorMessage sql.NullString
	err := row.Scan(&job.ID, &job.ChapterID, &job.Status, &job.Progress,
		&startedAt, &completedAt, &errorMessage, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("error fetching latest job for chapter %s: %w", chapterID, err)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	job.ErrorMessage = errorMessage.String
	return job, nil
}
