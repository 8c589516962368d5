package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/metrics"
)

const (
	playlistKeyFormat = "stream:playlist:%s:%s"
	segmentKeyFormat  = "stream:segment:%s"
	metaKeySuffix     = ":meta"

	opTimeout = 2 * time.Second
)

// EntryMeta is the sidecar record stored next to each cached payload.
type EntryMeta struct {
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// Analytics is a snapshot of the per-process cache counters.
type Analytics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	HitRate float64 `json:"hit_rate"`
	Keys    int64   `json:"keys"`
}

// StreamCache is the Redis-backed cache fronting the object store on the
// streaming read path. Failures are non-fatal: reads report a miss and
// fall through to storage, writes are logged and dropped.
type StreamCache struct {
	client *redis.Client
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type StreamCacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewStreamCache(cfg StreamCacheConfig) (*StreamCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &StreamCache{client: client, ttl: cfg.TTL}, nil
}

// PlaylistKey builds the cache key for a chapter playlist. Variant is
// either "master" or the bitrate as a string.
func PlaylistKey(chapterID, variant string) string {
	return fmt.Sprintf(playlistKeyFormat, chapterID, variant)
}

// SegmentKey builds the cache key for a segment id ("{chapter}_{bitrate}_{NNN}").
func SegmentKey(segmentID string) string {
	return fmt.Sprintf(segmentKeyFormat, segmentID)
}

// GetPlaylist returns the cached playlist body, or found=false on a miss.
func (c *StreamCache) GetPlaylist(ctx context.Context, chapterID, variant string) ([]byte, bool) {
	return c.get(ctx, PlaylistKey(chapterID, variant))
}

func (c *StreamCache) SetPlaylist(ctx context.Context, chapterID, variant string, body []byte, contentType string) {
	c.set(ctx, PlaylistKey(chapterID, variant), body, contentType)
}

func (c *StreamCache) GetSegment(ctx context.Context, segmentID string) ([]byte, bool) {
	return c.get(ctx, SegmentKey(segmentID))
}

func (c *StreamCache) SetSegment(ctx context.Context, segmentID string, body []byte, contentType string) {
	c.set(ctx, SegmentKey(segmentID), body, contentType)
}

// HasSegment reports whether a segment is cached, without touching the
// hit/miss counters.
func (c *StreamCache) HasSegment(ctx context.Context, segmentID string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := c.client.Exists(ctx, SegmentKey(segmentID)).Result()
	return err == nil && n > 0
}

func (c *StreamCache) get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		metrics.Metrics.CacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		log.LogNoRequestID("stream cache get failed", "key", key, "err", err)
		c.misses.Add(1)
		metrics.Metrics.CacheMisses.Inc()
		return nil, false
	}

	c.hits.Add(1)
	metrics.Metrics.CacheHits.Inc()
	return val, true
}

func (c *StreamCache) set(ctx context.Context, key string, body []byte, contentType string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	meta, err := json.Marshal(EntryMeta{
		ContentType: contentType,
		Size:        len(body),
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		log.LogNoRequestID("stream cache meta marshal failed", "key", key, "err", err)
		return
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, body, c.ttl)
	pipe.Set(ctx, key+metaKeySuffix, meta, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.LogNoRequestID("stream cache set failed", "key", key, "err", err)
		return
	}
	c.sets.Add(1)
}

// Meta returns the metadata sidecar for a cache key, if present.
func (c *StreamCache) Meta(ctx context.Context, key string) (EntryMeta, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key+metaKeySuffix).Bytes()
	if err != nil {
		return EntryMeta{}, false
	}
	var meta EntryMeta
	if err := json.Unmarshal(val, &meta); err != nil {
		return EntryMeta{}, false
	}
	return meta, true
}

// DeleteChapter removes every cached playlist and segment for a chapter.
// Returns the number of keys removed (metadata sidecars included).
func (c *StreamCache) DeleteChapter(ctx context.Context, chapterID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted := 0
	for _, pattern := range []string{
		fmt.Sprintf("stream:playlist:%s:*", chapterID),
		fmt.Sprintf("stream:segment:%s_*", chapterID),
	} {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return deleted, fmt.Errorf("failed to delete cache key %q: %w", iter.Val(), err)
			}
			deleted++
		}
		if err := iter.Err(); err != nil {
			return deleted, fmt.Errorf("failed to scan cache keys for chapter %q: %w", chapterID, err)
		}
	}
	return deleted, nil
}

// Analytics returns the per-process counters and the current key count.
func (c *StreamCache) Analytics(ctx context.Context) Analytics {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	keys, err := c.client.DBSize(ctx).Result()
	if err != nil {
		log.LogNoRequestID("stream cache dbsize failed", "err", err)
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	return Analytics{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		HitRate: hitRate,
		Keys:    keys,
	}
}

func (c *StreamCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *StreamCache) Close() error {
	return c.client.Close()
}
