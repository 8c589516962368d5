package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/errors"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/mbus"
)

// maxEscalations bounds how often a request may be bumped back onto the
// low-priority queue after exhausting its regular attempts.
const maxEscalations = 3

const masterStartDelayMillis = 5000

// handleIntake decomposes one transcode request into per-bitrate work
// units plus a single master assembly job.
func (c *Coordinator) handleIntake(ctx context.Context, d amqp.Delivery) error {
	if err := mbus.ValidateTranscodeRequest(d.Body); err != nil {
		return errors.Unretriable(err)
	}
	var req mbus.ChapterTranscodeRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return errors.Unretriable(fmt.Errorf("error decoding intake message: %w", err))
	}

	ctx = log.WithLogValues(ctx, "chapter_id", req.Chapter.ID)
	err := c.processIntake(ctx, req)
	if err == nil {
		return nil
	}
	if mbus.Attempt(d) >= c.cfg.MaxAttempts {
		return c.escalateIntake(ctx, req, err)
	}
	return err
}

func (c *Coordinator) processIntake(ctx context.Context, req mbus.ChapterTranscodeRequest) error {
	chapterID := req.Chapter.ID

	done, err := c.store.CompletedBitrates(ctx, chapterID)
	if err != nil {
		return err
	}
	todo := subtractBitrates(req.Bitrates, done)
	if len(todo) == 0 {
		log.LogCtx(ctx, "all requested bitrates already transcoded, skipping",
			"bitrates", fmt.Sprint(req.Bitrates))
		return nil
	}

	job, err := c.store.CreateJob(ctx, chapterID)
	if err != nil {
		return err
	}
	log.LogCtx(ctx, "created transcoding job",
		"job_id", job.ID, "bitrates", fmt.Sprint(todo), "priority", req.Priority)

	priority := mbus.MessagePriority(req.Priority)
	for _, bitrate := range todo {
		bitrateJob := mbus.BitrateJob{
			JobID:             job.ID,
			ChapterID:         chapterID,
			InputPath:         req.Chapter.FilePath,
			OutputDir:         config.ChapterDir(chapterID),
			Bitrate:           bitrate,
			SegmentDuration:   c.cfg.SegmentDuration,
			UserID:            req.UserID,
			RequestedBitrates: req.Bitrates,
		}
		if err := c.bus.PublishBitrateJob(ctx, bitrateJob, priority); err != nil {
			failErr := fmt.Errorf("error enqueueing %dk job for chapter %s: %w", bitrate, chapterID, err)
			c.failJob(ctx, job.ID, failErr)
			return failErr
		}
	}

	masterJob := mbus.MasterJob{
		JobID:            job.ID,
		ChapterID:        chapterID,
		OutputDir:        config.ChapterDir(chapterID),
		VariantBitrates:  todo,
		StartDelayMillis: masterStartDelayMillis,
	}
	if err := c.bus.PublishMasterJob(ctx, masterJob, priority); err != nil {
		failErr := fmt.Errorf("error enqueueing master job for chapter %s: %w", chapterID, err)
		c.failJob(ctx, job.ID, failErr)
		return failErr
	}
	return nil
}

// escalateIntake re-publishes an exhausted request on the low-priority
// queue, once per escalation budget. The message itself is always
// dropped afterwards; a fresh job row is created if the escalated copy
// succeeds later.
func (c *Coordinator) escalateIntake(ctx context.Context, req mbus.ChapterTranscodeRequest, cause error) error {
	if req.RetryCount >= maxEscalations {
		log.LogCtx(ctx, "intake request exhausted all escalations, giving up",
			"retry_count", req.RetryCount, "err", cause)
		return errors.Unretriable(cause)
	}

	req.RetryCount++
	req.Priority = "low"
	if err := c.bus.PublishTranscodeRequest(ctx, req); err != nil {
		log.LogCtx(ctx, "failed to escalate intake request to low priority", "err", err)
		return errors.Unretriable(fmt.Errorf("escalation failed after %w: %v", cause, err))
	}
	log.LogCtx(ctx, "escalated intake request to low priority",
		"retry_count", req.RetryCount, "err", cause)
	return errors.Unretriable(fmt.Errorf("escalated to low priority: %w", cause))
}

func (c *Coordinator) failJob(ctx context.Context, jobID string, cause error) {
	if err := c.store.FailJob(ctx, jobID, cause.Error()); err != nil {
		log.LogNoRequestID("error marking job failed", "job_id", jobID, "err", err)
	}
}

func subtractBitrates(requested, done []int) []int {
	doneSet := make(map[int]bool, len(done))
	for _, b := range done {
		doneSet[b] = true
	}
	var todo []int
	for _, b := range requested {
		if !doneSet[b] {
			todo = append(todo, b)
		}
	}
	return todo
}
