package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestCreateJob(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO transcoding_jobs").
		WithArgs(sqlmock.AnyArg(), "chap-1", string(JobStatusProcessing)).
		WillReturnRows(sqlmock.NewRows([]string{"started_at", "created_at", "updated_at"}).
			AddRow(now, now, now))

	job, err := s.CreateJob(context.Background(), "chap-1")
	require.NoError(t, err)
	require.Equal(t, "chap-1", job.ChapterID)
	require.Equal(t, JobStatusProcessing, job.Status)
	require.NotEmpty(t, job.ID)
	require.NotNil(t, job.StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestJobOrdering(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs("chap-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "chapter_id", "status", "progress", "started_at", "completed_at", "error_message", "created_at", "updated_at",
		}).AddRow("job-2", "chap-1", "failed", 40, now, now, "encoder exited with code 1 for 128k", now, now))

	job, err := s.LatestJob(context.Background(), "chap-1")
	require.NoError(t, err)
	require.Equal(t, "job-2", job.ID)
	require.Equal(t, JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "128k")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "chapter_id", "status", "progress", "started_at", "completed_at", "error_message", "created_at", "updated_at",
		}))

	_, err := s.LatestJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRendition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("ON CONFLICT \\(chapter_id, bitrate\\) DO UPDATE").
		WithArgs("chap-1", 128, "bit_transcode/chap-1/128k/playlist.m3u8",
			"bit_transcode/chap-1/128k", "file:///var/lib/audiocast", string(RenditionStatusCompleted)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertRendition(context.Background(), Rendition{
		ChapterID:       "chap-1",
		Bitrate:         128,
		PlaylistURL:     "bit_transcode/chap-1/128k/playlist.m3u8",
		SegmentsPath:    "bit_transcode/chap-1/128k",
		StorageProvider: "file:///var/lib/audiocast",
		Status:          RenditionStatusCompleted,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletedBitratesAscending(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("ORDER BY bitrate ASC").
		WithArgs("chap-1", string(RenditionStatusCompleted)).
		WillReturnRows(sqlmock.NewRows([]string{"bitrate"}).AddRow(64).AddRow(256))

	bitrates, err := s.CompletedBitrates(context.Background(), "chap-1")
	require.NoError(t, err)
	require.Equal(t, []int{64, 256}, bitrates)
}

func TestDeleteRenditions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM transcoded_chapters").
		WithArgs("chap-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteRenditions(context.Background(), "chap-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestJobProgressClamped(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE transcoding_jobs SET progress").
		WithArgs("job-1", 100).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateJobProgress(context.Background(), "job-1", 140))
	require.NoError(t, mock.ExpectationsWereMet())
}
