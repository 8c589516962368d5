package mbus

import (
	"fmt"
	"time"
)

// Chapter mirrors the chapter payload carried on intake messages. The
// chapter itself is owned by the upstream ingestion service; we only
// reference it by id and source file path.
type Chapter struct {
	ID            string    `json:"id"`
	AudiobookID   string    `json:"audiobook_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	ChapterNumber int       `json:"chapter_number"`
	Duration      float64   `json:"duration"`
	FilePath      string    `json:"file_path"`
	FileSize      int64     `json:"file_size"`
	StartPosition float64   `json:"start_position"`
	EndPosition   float64   `json:"end_position"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChapterTranscodeRequest is the intake message consumed from the
// priority/normal/low queues.
type ChapterTranscodeRequest struct {
	Chapter    Chapter   `json:"chapter"`
	Bitrates   []int     `json:"bitrates"`
	Priority   string    `json:"priority"`
	UserID     string    `json:"user_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageID builds the dedupe id carried on the intake message.
func (r ChapterTranscodeRequest) MessageID() string {
	return fmt.Sprintf("%s-%d", r.Chapter.ID, r.Timestamp.UnixMilli())
}

// BitrateJob is the unit of work on one transcode:{bitrate}k queue.
type BitrateJob struct {
	JobID           string `json:"job_id"`
	ChapterID       string `json:"chapter_id"`
	InputPath       string `json:"input_path"`
	OutputDir       string `json:"output_dir"`
	Bitrate         int    `json:"bitrate"`
	SegmentDuration int    `json:"segment_duration"`
	UserID          string `json:"user_id,omitempty"`
	// RequestedBitrates is the full ladder of the originating request,
	// used to decide when the chapter job is complete.
	RequestedBitrates []int `json:"requested_bitrates,omitempty"`
}

// DedupeID builds the per-bitrate job id, e.g. "chap-1-128k-1690000000000".
func (j BitrateJob) DedupeID(enqueuedAt time.Time) string {
	return fmt.Sprintf("%s-%dk-%d", j.ChapterID, j.Bitrate, enqueuedAt.UnixMilli())
}

// MasterJob is the fan-in assembly step, enqueued once per intake pass.
type MasterJob struct {
	JobID           string `json:"job_id"`
	ChapterID       string `json:"chapter_id"`
	OutputDir       string `json:"output_dir"`
	VariantBitrates []int  `json:"variant_bitrates"`
	// StartDelayMillis delays the first rendition poll so that master
	// assembly starts after at least one bitrate job is underway.
	StartDelayMillis int64 `json:"start_delay_ms,omitempty"`
}

// ChapterDeletion is consumed from the deletion topic.
type ChapterDeletion struct {
	ChapterID string    `json:"chapter_id"`
	Timestamp time.Time `json:"timestamp"`
}
