// Package pipeline runs the transcoding worker fleet: intake fan-out,
// per-bitrate encoding, master playlist assembly and chapter deletion.
package pipeline

import (
	"context"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/audiocast/stream-api/cache"
	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/mbus"
	"github.com/audiocast/stream-api/store"
)

// JobStore is the database surface the workers need.
type JobStore interface {
	CreateJob(ctx context.Context, chapterID string) (store.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, errorMessage string) error
	UpsertRendition(ctx context.Context, r store.Rendition) error
	GetRendition(ctx context.Context, chapterID string, bitrate int) (store.Rendition, error)
	CompletedBitrates(ctx context.Context, chapterID string) ([]int, error)
	DeleteRenditions(ctx context.Context, chapterID string) (int64, error)
}

// ObjectStore is the artifact storage surface the workers need.
type ObjectStore interface {
	URL() string
	IsLocal() bool
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Bus is the broker surface the workers need, both the consuming and
// the re-publishing side.
type Bus interface {
	Consume(ctx context.Context, opts mbus.ConsumeOpts, handler func(context.Context, amqp.Delivery) error) error
	PublishTranscodeRequest(ctx context.Context, req mbus.ChapterTranscodeRequest) error
	PublishBitrateJob(ctx context.Context, job mbus.BitrateJob, priority uint8) error
	PublishMasterJob(ctx context.Context, job mbus.MasterJob, priority uint8) error
}

// ChapterCache invalidates cached playlists and segments on deletion.
type ChapterCache interface {
	DeleteChapter(ctx context.Context, chapterID string) (int, error)
}

// activeJob tracks one in-flight bitrate encode for introspection.
type activeJob struct {
	JobID     string
	ChapterID string
	Bitrate   int
}

// Coordinator owns the worker fleet. It never blocks on message
// handling itself; each queue gets its own consumer goroutines.
type Coordinator struct {
	cfg   *config.Cli
	store JobStore
	os    ObjectStore
	bus   Bus
	cache ChapterCache

	jobs *cache.Cache[*activeJob]
}

func NewCoordinator(cfg *config.Cli, jobStore JobStore, objectStore ObjectStore, bus Bus, chapterCache ChapterCache) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		store: jobStore,
		os:    objectStore,
		bus:   bus,
		cache: chapterCache,
		jobs:  cache.New[*activeJob](),
	}
}

// InFlightJobs returns the number of bitrate encodes currently running
// in this process.
func (c *Coordinator) InFlightJobs() int {
	return len(c.jobs.GetKeys())
}

// Start launches every consumer and blocks until ctx is cancelled and
// all consumers have drained.
func (c *Coordinator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	intakeQueues := []string{mbus.IntakeQueuePriority, mbus.IntakeQueueNormal, mbus.IntakeQueueLow}
	for _, queue := range intakeQueues {
		queue := queue
		group.Go(func() error {
			return c.bus.Consume(ctx, mbus.ConsumeOpts{
				Queue:        queue,
				Concurrency:  c.cfg.IntakeWorkers,
				MaxAttempts:  c.cfg.MaxAttempts,
				BackoffDelay: c.cfg.BackoffDelay,
			}, c.recovered(c.handleIntake))
		})
	}

	for _, bitrate := range c.cfg.Bitrates {
		bitrate := bitrate
		group.Go(func() error {
			return c.bus.Consume(ctx, mbus.ConsumeOpts{
				Queue:        mbus.BitrateQueue(bitrate),
				Concurrency:  c.cfg.BitrateWorkers,
				MaxAttempts:  c.cfg.MaxAttempts,
				BackoffDelay: c.cfg.BackoffDelay,
				JobTimeout:   c.cfg.JobTimeout,
			}, c.recovered(c.handleBitrate))
		})
	}

	group.Go(func() error {
		return c.bus.Consume(ctx, mbus.ConsumeOpts{
			Queue:        mbus.MasterQueue,
			Concurrency:  1,
			MaxAttempts:  c.cfg.MaxAttempts,
			BackoffDelay: c.cfg.BackoffDelay,
		}, c.recovered(c.handleMaster))
	})

	group.Go(func() error {
		return c.bus.Consume(ctx, mbus.ConsumeOpts{
			Queue:        mbus.DeletionQueue,
			Concurrency:  1,
			MaxAttempts:  c.cfg.MaxAttempts,
			BackoffDelay: c.cfg.BackoffDelay,
		}, c.recovered(c.handleDeletion))
	})

	err := group.Wait()
	log.LogNoRequestID("worker fleet drained", "in_flight", c.InFlightJobs())
	return err
}

// recovered wraps a handler so a panic becomes an ordinary handler
// error instead of taking the consumer goroutine down.
func (c *Coordinator) recovered(handler func(context.Context, amqp.Delivery) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.LogNoRequestID("panic in worker handler, recovering", "message_id", d.MessageId, "err", rec)
				err = fmt.Errorf("panic in worker handler: %v", rec)
			}
		}()
		return handler(ctx, d)
	}
}
