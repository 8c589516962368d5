// Package handlers implements the streaming read path: master and
// variant playlists, media segments, status, preload and analytics.
package handlers

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/audiocast/stream-api/cache"
	"github.com/audiocast/stream-api/clients"
	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/errors"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/metrics"
	"github.com/audiocast/stream-api/playlist"
	"github.com/audiocast/stream-api/requests"
	"github.com/audiocast/stream-api/store"
)

// RenditionStore is the database surface the read path needs.
type RenditionStore interface {
	CompletedBitrates(ctx context.Context, chapterID string) ([]int, error)
	GetRendition(ctx context.Context, chapterID string, bitrate int) (store.Rendition, error)
	LatestJob(ctx context.Context, chapterID string) (store.Job, error)
	Ping(ctx context.Context) error
}

// StreamCache is the Redis surface the read path needs. All cache
// operations are best-effort.
type StreamCache interface {
	GetPlaylist(ctx context.Context, chapterID, variant string) ([]byte, bool)
	SetPlaylist(ctx context.Context, chapterID, variant string, body []byte, contentType string)
	GetSegment(ctx context.Context, segmentID string) ([]byte, bool)
	SetSegment(ctx context.Context, segmentID string, body []byte, contentType string)
	HasSegment(ctx context.Context, segmentID string) bool
	Analytics(ctx context.Context) cache.Analytics
	Ping(ctx context.Context) error
}

// ObjectStore is the artifact storage surface the read path needs.
type ObjectStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// BrokerHealth reports whether the message broker connection is up.
type BrokerHealth interface {
	Healthy() bool
}

// JobRegistry exposes the number of transcode jobs this process is
// currently running.
type JobRegistry interface {
	InFlightJobs() int
}

// StreamingHandlersCollection serves the HTTP API under /api/v1/stream.
type StreamingHandlersCollection struct {
	Config *config.Cli
	Store  RenditionStore
	Cache  StreamCache
	OS     ObjectStore
	Broker BrokerHealth
	Jobs   JobRegistry
}

// ChapterFile serves every GET under /chapters/:chapterID/. httprouter
// cannot mix a static route with a catch-all sibling in the same method
// tree, so one catch-all dispatches on the file path:
//
//	master.m3u8
//	status
//	{bitrate}/playlist.m3u8
//	{bitrate}/segments/{segment}
func (d *StreamingHandlersCollection) ChapterFile() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		chapterID := params.ByName("chapterID")
		file := strings.TrimPrefix(params.ByName("file"), "/")
		requestID := requests.GetRequestId(req)

		switch file {
		case config.MasterPlaylistFilename:
			d.serveMaster(w, req, requestID, chapterID)
			return
		case "status":
			d.serveStatus(w, req, chapterID)
			return
		}

		parts := strings.Split(file, "/")
		switch {
		case len(parts) == 2 && parts[1] == config.VariantPlaylistFilename:
			d.serveVariant(w, req, requestID, chapterID, parts[0])
		case len(parts) == 3 && parts[1] == "segments":
			d.serveSegment(w, req, requestID, chapterID, parts[0], parts[2])
		default:
			errors.WriteHTTPNotFound(w, "unknown file", fmt.Errorf("no route for %q", file))
		}
	}
}

func (d *StreamingHandlersCollection) serveMaster(w http.ResponseWriter, req *http.Request, requestID, chapterID string) {
	start := time.Now()
	defer func() {
		metrics.Metrics.PlaylistRequestDurationSec.Observe(time.Since(start).Seconds())
	}()
	ctx := req.Context()

	available, err := d.Store.CompletedBitrates(ctx, chapterID)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "failed to look up renditions", err)
		return
	}
	if len(available) == 0 {
		errors.WriteHTTPNotFound(w, "no renditions available", nil)
		return
	}

	bandwidth, bandwidthErr := queryInt64(req, "bandwidth")
	preferred, preferredErr := queryInt(req, "bitrate")
	if bandwidthErr != nil || preferredErr != nil {
		errors.WriteHTTPBadRequest(w, "invalid bandwidth or bitrate parameter", nil)
		return
	}
	hinted := bandwidth > 0 || preferred > 0

	// only the hint-free response is cacheable: the recommended-variant
	// marker depends on the query
	if !hinted {
		if body, ok := d.Cache.GetPlaylist(ctx, chapterID, "master"); ok {
			writePlaylist(w, body, 300)
			return
		}
	}

	recommended := playlist.RecommendedBitrate(available, bandwidth, preferred)
	body := playlist.Master(available, recommended)
	if !hinted {
		d.Cache.SetPlaylist(ctx, chapterID, "master", body, config.MimePlaylist)
	}
	log.Log(requestID, "served master playlist", "chapter_id", chapterID, "recommended", recommended)
	writePlaylist(w, body, 300)
}

func (d *StreamingHandlersCollection) serveVariant(w http.ResponseWriter, req *http.Request, requestID, chapterID, bitrateStr string) {
	start := time.Now()
	defer func() {
		metrics.Metrics.PlaylistRequestDurationSec.Observe(time.Since(start).Seconds())
	}()
	ctx := req.Context()

	bitrate, err := parseBitrate(bitrateStr)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "invalid bitrate", err)
		return
	}

	rendition, err := d.completedRendition(ctx, chapterID, bitrate)
	if err != nil {
		writeRenditionError(w, err)
		return
	}

	variant := strconv.Itoa(bitrate)
	if body, ok := d.Cache.GetPlaylist(ctx, chapterID, variant); ok {
		writePlaylist(w, body, 60)
		return
	}

	names, err := d.OS.List(ctx, rendition.SegmentsPath)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "failed to list segments", err)
		return
	}
	var segments []string
	for _, name := range names {
		if strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts") {
			segments = append(segments, name)
		}
	}
	body, err := playlist.Variant(segments, d.Config.SegmentDuration)
	if err != nil {
		errors.WriteHTTPNotFound(w, "rendition has no segments", err)
		return
	}

	d.Cache.SetPlaylist(ctx, chapterID, variant, body, config.MimePlaylist)
	log.Log(requestID, "rebuilt variant playlist", "chapter_id", chapterID, "bitrate", bitrate, "segments", len(segments))
	writePlaylist(w, body, 60)
}

func (d *StreamingHandlersCollection) serveSegment(w http.ResponseWriter, req *http.Request, requestID, chapterID, bitrateStr, filename string) {
	start := time.Now()
	defer func() {
		metrics.Metrics.SegmentRequestDurationSec.Observe(time.Since(start).Seconds())
	}()
	ctx := req.Context()

	bitrate, err := parseBitrate(bitrateStr)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "invalid bitrate", err)
		return
	}
	index, err := parseSegmentIndex(filename)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "invalid segment name", err)
		return
	}

	rendition, err := d.completedRendition(ctx, chapterID, bitrate)
	if err != nil {
		writeRenditionError(w, err)
		return
	}

	segmentID := config.SegmentID(chapterID, bitrate, index)
	if body, ok := d.Cache.GetSegment(ctx, segmentID); ok {
		writeSegment(w, body)
		return
	}

	rc, err := d.OS.Download(ctx, path.Join(rendition.SegmentsPath, filename))
	if err != nil {
		if goerrors.Is(err, clients.ErrObjectNotFound) {
			errors.WriteHTTPNotFound(w, "segment not found", nil)
			return
		}
		errors.WriteHTTPInternalServerError(w, "failed to fetch segment", err)
		return
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "failed to read segment", err)
		return
	}

	d.Cache.SetSegment(ctx, segmentID, body, config.MimeSegment)
	log.Log(requestID, "served segment from storage", "segment_id", segmentID, "bytes", len(body))
	writeSegment(w, body)
}

func (d *StreamingHandlersCollection) completedRendition(ctx context.Context, chapterID string, bitrate int) (store.Rendition, error) {
	rendition, err := d.Store.GetRendition(ctx, chapterID, bitrate)
	if err != nil {
		return store.Rendition{}, err
	}
	if rendition.Status != store.RenditionStatusCompleted {
		return store.Rendition{}, store.ErrNotFound
	}
	return rendition, nil
}

func writeRenditionError(w http.ResponseWriter, err error) {
	if goerrors.Is(err, store.ErrNotFound) {
		errors.WriteHTTPNotFound(w, "rendition not available", nil)
		return
	}
	errors.WriteHTTPInternalServerError(w, "failed to look up rendition", err)
}

func writePlaylist(w http.ResponseWriter, body []byte, maxAge int) {
	w.Header().Set("Content-Type", config.MimePlaylist)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeSegment(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", config.MimeSegment)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseBitrate(s string) (int, error) {
	s = strings.TrimSuffix(s, "k")
	bitrate, err := strconv.Atoi(s)
	if err != nil || bitrate <= 0 {
		return 0, fmt.Errorf("bitrate %q is not a positive integer", s)
	}
	return bitrate, nil
}

// parseSegmentIndex extracts NNN from "segment_NNN.ts".
func parseSegmentIndex(filename string) (int, error) {
	name := strings.TrimSuffix(filename, ".ts")
	if !strings.HasPrefix(name, "segment_") || name == filename {
		return 0, fmt.Errorf("segment name %q does not match segment_NNN.ts", filename)
	}
	index, err := strconv.Atoi(strings.TrimPrefix(name, "segment_"))
	if err != nil || index < 0 {
		return 0, fmt.Errorf("segment name %q does not match segment_NNN.ts", filename)
	}
	return index, nil
}

func queryInt64(req *http.Request, name string) (int64, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryInt(req *http.Request, name string) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
