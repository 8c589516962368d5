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

// handleDeletion purges everything belonging to a removed chapter: the
// rendition rows, every object under its storage prefix and all cached
// playlists and segments.
func (c *Coordinator) handleDeletion(ctx context.Context, d amqp.Delivery) error {
	var del mbus.ChapterDeletion
	if err := json.Unmarshal(d.Body, &del); err != nil {
		return errors.Unretriable(fmt.Errorf("error decoding deletion message: %w", err))
	}
	if del.ChapterID == "" {
		return errors.Unretriable(fmt.Errorf("deletion message missing chapter_id"))
	}
	ctx = log.WithLogValues(ctx, "chapter_id", del.ChapterID)

	rows, err := c.store.DeleteRenditions(ctx, del.ChapterID)
	if err != nil {
		return err
	}

	objects, err := c.os.DeletePrefix(ctx, config.ChapterDir(del.ChapterID))
	if err != nil {
		return err
	}

	cached, err := c.cache.DeleteChapter(ctx, del.ChapterID)
	if err != nil {
		// cache entries expire on their own; not worth a redelivery
		log.LogCtx(ctx, "error purging cache for deleted chapter", "err", err)
	}

	log.LogCtx(ctx, "chapter purged",
		"renditions", rows, "objects", objects, "cache_keys", cached)
	return nil
}
