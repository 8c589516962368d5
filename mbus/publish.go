package mbus

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
)

// PublishTranscodeRequest routes an intake request through the
// transcoding exchange by its priority label.
func (b *Broker) PublishTranscodeRequest(ctx context.Context, req ChapterTranscodeRequest) error {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	return b.PublishJSON(ctx, TranscodingExchange, RoutingKey(req.Priority),
		req.MessageID(), MessagePriority(req.Priority), nil, req)
}

// PublishBitrateJob enqueues one per-bitrate work unit on its queue.
func (b *Broker) PublishBitrateJob(ctx context.Context, job BitrateJob, priority uint8) error {
	return b.PublishJSON(ctx, "", BitrateQueue(job.Bitrate),
		job.DedupeID(time.Now()), priority, amqp.Table{attemptHeader: int32(1)}, job)
}

// PublishMasterJob enqueues the fan-in assembly step.
func (b *Broker) PublishMasterJob(ctx context.Context, job MasterJob, priority uint8) error {
	return b.PublishJSON(ctx, "", MasterQueue,
		uuid.New().String(), priority, amqp.Table{attemptHeader: int32(1)}, job)
}

// PublishDeletion announces that a chapter was removed upstream.
func (b *Broker) PublishDeletion(ctx context.Context, del ChapterDeletion) error {
	if del.Timestamp.IsZero() {
		del.Timestamp = time.Now()
	}
	return b.PublishJSON(ctx, "", DeletionQueue, uuid.New().String(), 0, nil, del)
}
