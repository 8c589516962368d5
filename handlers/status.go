package handlers

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/errors"
	"github.com/audiocast/stream-api/log"
	"github.com/audiocast/stream-api/requests"
	"github.com/audiocast/stream-api/store"
)

// StreamingStatus is the response of GET /chapters/:chapterID/status.
type StreamingStatus struct {
	ChapterID          string `json:"chapter_id"`
	AvailableBitrates  []int  `json:"available_bitrates"`
	TranscodingStatus  string `json:"transcoding_status"`
	CanStream          bool   `json:"can_stream"`
	EstimatedBandwidth int64  `json:"estimated_bandwidth"`
	Progress           int    `json:"progress,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

// serveStatus reports what a player can expect for a chapter. It is
// dispatched from the chapter catch-all route.
func (d *StreamingHandlersCollection) serveStatus(w http.ResponseWriter, req *http.Request, chapterID string) {
	ctx := req.Context()

	available, err := d.Store.CompletedBitrates(ctx, chapterID)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "failed to look up renditions", err)
		return
	}

	status := StreamingStatus{
		ChapterID:         chapterID,
		AvailableBitrates: available,
		CanStream:         len(available) > 0,
	}
	if len(available) > 0 {
		highest := available[len(available)-1]
		status.EstimatedBandwidth = int64(highest) * 1000
	}

	job, err := d.Store.LatestJob(ctx, chapterID)
	switch {
	case goerrors.Is(err, store.ErrNotFound):
		job = store.Job{}
	case err != nil:
		errors.WriteHTTPInternalServerError(w, "failed to look up job", err)
		return
	}
	status.TranscodingStatus = transcodingStatus(available, d.Config.Bitrates, job)
	status.Progress = job.Progress
	status.ErrorMessage = job.ErrorMessage

	writeJSON(w, http.StatusOK, status)
}

// transcodingStatus derives the chapter-level status: some but not all
// configured bitrates completed is "partial", everything else follows
// the latest job row.
func transcodingStatus(available, configured []int, job store.Job) string {
	if len(available) > 0 && len(available) < len(configured) {
		return "partial"
	}
	if len(available) > 0 && len(available) >= len(configured) {
		return "completed"
	}
	if job.ID == "" {
		return "not_started"
	}
	return string(job.Status)
}

// PreloadRequest is the optional body of POST /chapters/:chapterID/preload.
type PreloadRequest struct {
	Bitrate int `json:"bitrate"`
}

// Preload warms the segment cache for one rendition, bounded by the
// configured preload count.
func (d *StreamingHandlersCollection) Preload() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		ctx := req.Context()
		chapterID := params.ByName("chapterID")
		requestID := requests.GetRequestId(req)

		preload := PreloadRequest{Bitrate: 128}
		if req.Body != nil {
			if err := json.NewDecoder(req.Body).Decode(&preload); err != nil && err != io.EOF {
				errors.WriteHTTPBadRequest(w, "invalid preload body", err)
				return
			}
		}
		if preload.Bitrate <= 0 {
			preload.Bitrate = 128
		}

		rendition, err := d.completedRendition(ctx, chapterID, preload.Bitrate)
		if err != nil {
			writeRenditionError(w, err)
			return
		}

		loaded, err := d.preloadSegments(ctx, chapterID, rendition)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "preload failed", err)
			return
		}
		log.Log(requestID, "preloaded rendition segments",
			"chapter_id", chapterID, "bitrate", preload.Bitrate, "segments", loaded)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chapter_id":      chapterID,
			"bitrate":         preload.Bitrate,
			"status":          "preloaded",
			"segments_loaded": loaded,
		})
	}
}

func (d *StreamingHandlersCollection) preloadSegments(ctx context.Context, chapterID string, rendition store.Rendition) (int, error) {
	names, err := d.OS.List(ctx, rendition.SegmentsPath)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, name := range names {
		if loaded >= d.Config.PreloadSegments {
			break
		}
		index, err := parseSegmentIndex(name)
		if err != nil {
			continue
		}
		segmentID := config.SegmentID(chapterID, rendition.Bitrate, index)
		if d.Cache.HasSegment(ctx, segmentID) {
			loaded++
			continue
		}
		rc, err := d.OS.Download(ctx, path.Join(rendition.SegmentsPath, name))
		if err != nil {
			return loaded, fmt.Errorf("error fetching %s: %w", name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return loaded, fmt.Errorf("error reading %s: %w", name, err)
		}
		d.Cache.SetSegment(ctx, segmentID, body, config.MimeSegment)
		loaded++
	}
	return loaded, nil
}

// Analytics exposes the per-process cache and worker counters.
func (d *StreamingHandlersCollection) Analytics() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		response := map[string]interface{}{
			"cache":          d.Cache.Analytics(req.Context()),
			"in_flight_jobs": d.Jobs.InFlightJobs(),
		}
		if chapterID := req.URL.Query().Get("chapterId"); chapterID != "" {
			response["chapter_id"] = chapterID
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// Health reports per-component health. The response is 503 only when a
// component the read path depends on is down; the broker is advisory
// since streaming keeps working without it.
func (d *StreamingHandlersCollection) Health() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		components := map[string]bool{
			"database": d.Store.Ping(ctx) == nil,
			"cache":    d.Cache.Ping(ctx) == nil,
			"broker":   d.Broker.Healthy(),
		}
		_, err := d.OS.List(ctx, config.TranscodePrefix)
		components["storage"] = err == nil

		status := http.StatusOK
		healthy := "ok"
		if !components["database"] || !components["storage"] {
			status = http.StatusServiceUnavailable
			healthy = "unavailable"
		}
		writeJSON(w, status, map[string]interface{}{
			"status":     healthy,
			"components": components,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoRequestID("error writing JSON response", "err", err)
	}
}
