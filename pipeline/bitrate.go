package pipeline

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/audiocast/stream-api/audio"
	"github.com/audiocast/stream-api/clients"
	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/errors"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/mbus"
	"github.com/audiocast/stream-api/metrics"
	"github.com/audiocast/stream-api/store"
)

// ErrInputMissing marks a source file that does not exist in storage.
// Retrying cannot fix that, so the queue layer drops the job.
var ErrInputMissing = fmt.Errorf("input file missing from storage")

// handleBitrate encodes one chapter into one HLS rendition.
func (c *Coordinator) handleBitrate(ctx context.Context, d amqp.Delivery) error {
	var job mbus.BitrateJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		return errors.Unretriable(fmt.Errorf("error decoding bitrate job: %w", err))
	}

	ctx = log.WithLogValues(ctx,
		"chapter_id", job.ChapterID, "bitrate", strconv.Itoa(job.Bitrate))
	jobKey := fmt.Sprintf("%s-%dk", job.ChapterID, job.Bitrate)
	c.jobs.Store(jobKey, &activeJob{JobID: job.JobID, ChapterID: job.ChapterID, Bitrate: job.Bitrate})
	defer c.jobs.Remove(jobKey)

	start := time.Now()
	err := c.runBitrateJob(ctx, job)
	success := strconv.FormatBool(err == nil)
	metrics.Metrics.TranscodeJobCount.WithLabelValues(strconv.Itoa(job.Bitrate), success).Inc()
	metrics.Metrics.TranscodeJobDurationSec.WithLabelValues(strconv.Itoa(job.Bitrate), success).Observe(time.Since(start).Seconds())

	if err != nil {
		c.failJob(ctx, job.JobID, fmt.Errorf("bitrate %dk: %w", job.Bitrate, err))
		return err
	}
	return nil
}

func (c *Coordinator) runBitrateJob(ctx context.Context, job mbus.BitrateJob) error {
	c.progress(ctx, job.JobID, 10)

	existing, err := c.store.GetRendition(ctx, job.ChapterID, job.Bitrate)
	if err == nil && existing.Status == store.RenditionStatusCompleted {
		log.LogCtx(ctx, "rendition already completed, skipping encode")
		c.progress(ctx, job.JobID, 100)
		return c.maybeCompleteJob(ctx, job)
	}
	if err != nil && err != store.ErrNotFound {
		return err
	}

	stagedInput, err := c.stageInput(ctx, job)
	if err != nil {
		return err
	}
	defer c.cleanStaging(stagedInput)

	probed, err := audio.Probe(ctx, stagedInput)
	if err != nil {
		return err
	}

	renditionDir := config.RenditionDir(job.ChapterID, job.Bitrate)
	outputDir, uploadAfter, err := c.encodeTarget(renditionDir)
	if err != nil {
		return err
	}

	lastReported := 10
	err = audio.EncodeRendition(ctx, audio.EncodeParams{
		InputPath:       stagedInput,
		OutputDir:       outputDir,
		Bitrate:         job.Bitrate,
		SegmentDuration: job.SegmentDuration,
		Duration:        probed.Duration,
		OnProgress: func(ratio float64) {
			pct := 10 + int(ratio*80)
			if pct >= lastReported+5 {
				lastReported = pct
				c.progress(ctx, job.JobID, pct)
			}
		},
	})
	if err != nil {
		return err
	}

	if uploadAfter {
		if err := c.uploadRendition(ctx, outputDir, renditionDir); err != nil {
			return err
		}
		if err := os.RemoveAll(outputDir); err != nil {
			log.LogCtx(ctx, "error removing encoder output dir", "dir", outputDir, "err", err)
		}
	}
	c.progress(ctx, job.JobID, 95)

	err = c.store.UpsertRendition(ctx, store.Rendition{
		ChapterID:       job.ChapterID,
		Bitrate:         job.Bitrate,
		PlaylistURL:     path.Join(renditionDir, config.VariantPlaylistFilename),
		SegmentsPath:    renditionDir,
		StorageProvider: c.os.URL(),
		Status:          store.RenditionStatusCompleted,
	})
	if err != nil {
		return err
	}
	log.LogCtx(ctx, "rendition completed", "duration", probed.Duration)

	return c.maybeCompleteJob(ctx, job)
}

// stageInput materializes the source file under the temp staging dir
// and returns the staged path.
func (c *Coordinator) stageInput(ctx context.Context, job mbus.BitrateJob) (string, error) {
	stagingDir := filepath.Join(c.cfg.StorageDir, "temp")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("error creating staging dir: %w", err)
	}
	staged := filepath.Join(stagingDir, fmt.Sprintf("temp_%d_%s", time.Now().UnixMilli(), filepath.Base(job.InputPath)))

	local := filepath.Join(c.cfg.StorageDir, filepath.FromSlash(job.InputPath))
	if _, err := os.Stat(local); err == nil {
		if err := copyFile(local, staged); err != nil {
			return "", err
		}
		return staged, nil
	}

	if c.cfg.DevMode {
		// mirror the source next to where production would have it, so
		// repeated dev runs skip the download
		if err := c.downloadTo(ctx, job.InputPath, local); err != nil {
			return "", err
		}
		if err := copyFile(local, staged); err != nil {
			return "", err
		}
		return staged, nil
	}

	exists, err := c.os.Exists(ctx, job.InputPath)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Unretriable(fmt.Errorf("%w: %s", ErrInputMissing, job.InputPath))
	}
	if err := c.downloadTo(ctx, job.InputPath, staged); err != nil {
		return "", err
	}
	return staged, nil
}

func (c *Coordinator) downloadTo(ctx context.Context, key, dest string) error {
	rc, err := c.os.Download(ctx, key)
	if err != nil {
		if goerrors.Is(err, clients.ErrObjectNotFound) {
			return errors.Unretriable(fmt.Errorf("%w: %s", ErrInputMissing, key))
		}
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("error creating dir for %s: %w", dest, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("error downloading %s: %w", key, err)
	}
	return nil
}

// encodeTarget returns the directory the encoder writes into and
// whether an upload pass is needed afterwards. A local object store is
// written in place.
func (c *Coordinator) encodeTarget(renditionDir string) (string, bool, error) {
	if c.os.IsLocal() {
		dir := filepath.Join(c.cfg.LocalStorePath(), filepath.FromSlash(renditionDir))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", false, fmt.Errorf("error creating rendition dir: %w", err)
		}
		return dir, false, nil
	}
	dir := filepath.Join(c.cfg.StorageDir, "temp", fmt.Sprintf("out_%d_%s", time.Now().UnixMilli(), filepath.Base(renditionDir)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("error creating encoder output dir: %w", err)
	}
	return dir, true, nil
}

func (c *Coordinator) uploadRendition(ctx context.Context, localDir, renditionDir string) error {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("error reading encoder output dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contentType := config.MimeSegment
		if strings.HasSuffix(entry.Name(), ".m3u8") {
			contentType = config.MimePlaylist
		}
		f, err := os.Open(filepath.Join(localDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("error opening %s for upload: %w", entry.Name(), err)
		}
		err = c.os.Upload(ctx, path.Join(renditionDir, entry.Name()), f, contentType)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// maybeCompleteJob marks the chapter job completed once every bitrate
// of the originating request has a completed rendition.
func (c *Coordinator) maybeCompleteJob(ctx context.Context, job mbus.BitrateJob) error {
	if len(job.RequestedBitrates) == 0 {
		return nil
	}
	done, err := c.store.CompletedBitrates(ctx, job.ChapterID)
	if err != nil {
		return err
	}
	if len(subtractBitrates(job.RequestedBitrates, done)) > 0 {
		return nil
	}
	log.LogCtx(ctx, "all bitrates completed, marking job done", "job_id", job.JobID)
	return c.store.CompleteJob(ctx, job.JobID)
}

func (c *Coordinator) progress(ctx context.Context, jobID string, pct int) {
	if err := c.store.UpdateJobProgress(ctx, jobID, pct); err != nil {
		log.LogNoRequestID("error updating job progress", "job_id", jobID, "err", err)
	}
}

func (c *Coordinator) cleanStaging(staged string) {
	if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
		log.LogNoRequestID("error removing staged input", "path", staged, "err", err)
	}
	// drop the temp dir once it empties out
	_ = os.Remove(filepath.Dir(staged))
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("error copying %s: %w", src, err)
	}
	return nil
}

// CleanupStaleStaging removes staged files older than maxAge left over
// from crashed workers.
func CleanupStaleStaging(storageDir string, maxAge time.Duration) {
	stagingDir := filepath.Join(storageDir, "temp")
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(stagingDir, entry.Name())
		if err := os.RemoveAll(full); err != nil {
			log.LogNoRequestID("error removing stale staging entry", "path", full, "err", err)
		} else {
			log.LogNoRequestID("removed stale staging entry", "path", full)
		}
	}
}
