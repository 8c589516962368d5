package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/errors"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/mbus"
	"github.com/audiocast/stream-api/metrics"
	"github.com/audiocast/stream-api/playlist"
)

const (
	masterPollInterval = 5 * time.Second
	masterPollDeadline = 30 * time.Minute
)

// handleMaster waits for the first completed rendition of a chapter and
// writes the master playlist. It deliberately does not wait for the
// whole ladder: late renditions are picked up by the on-the-fly master
// generation on the read path.
func (c *Coordinator) handleMaster(ctx context.Context, d amqp.Delivery) error {
	var job mbus.MasterJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		return errors.Unretriable(fmt.Errorf("error decoding master job: %w", err))
	}

	ctx = log.WithLogValues(ctx, "chapter_id", job.ChapterID)
	err := c.runMasterJob(ctx, job)
	metrics.Metrics.MasterAssemblyCount.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	return err
}

func (c *Coordinator) runMasterJob(ctx context.Context, job mbus.MasterJob) error {
	if job.StartDelayMillis > 0 {
		select {
		case <-time.After(time.Duration(job.StartDelayMillis) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.progress(ctx, job.JobID, 10)

	completed, err := c.awaitRenditions(ctx, job)
	if err != nil {
		c.failJob(ctx, job.JobID, err)
		return err
	}
	c.progress(ctx, job.JobID, 30)

	body := playlist.Master(completed, 0)
	key := path.Join(config.ChapterDir(job.ChapterID), config.MasterPlaylistFilename)
	if err := c.os.Upload(ctx, key, bytes.NewReader(body), config.MimePlaylist); err != nil {
		return err
	}

	log.LogCtx(ctx, "master playlist written", "variants", fmt.Sprint(completed))
	return nil
}

// awaitRenditions polls until at least one of the job's bitrates has a
// completed rendition, bounded by the assembly deadline.
func (c *Coordinator) awaitRenditions(ctx context.Context, job mbus.MasterJob) ([]int, error) {
	deadline := time.NewTimer(masterPollDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(masterPollInterval)
	defer ticker.Stop()

	wanted := make(map[int]bool, len(job.VariantBitrates))
	for _, b := range job.VariantBitrates {
		wanted[b] = true
	}

	for {
		done, err := c.store.CompletedBitrates(ctx, job.ChapterID)
		if err != nil {
			return nil, err
		}
		var completed []int
		for _, b := range done {
			if wanted[b] {
				completed = append(completed, b)
			}
		}
		if len(completed) > 0 {
			return completed, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Unretriable(fmt.Errorf(
				"no rendition completed for chapter %s within %s", job.ChapterID, masterPollDeadline))
		case <-ticker.C:
		}
	}
}
