package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/audiocast/stream-api/cache"
	"github.com/audiocast/stream-api/clients"
	"github.com/audiocast/stream-api/config"
	"github.com/audiocast/stream-api/store"
)

type fakeRenditionStore struct {
	completed  map[string][]int
	renditions map[string]store.Rendition
	jobs       map[string]store.Job
	pingErr    error
}

func (f *fakeRenditionStore) CompletedBitrates(_ context.Context, chapterID string) ([]int, error) {
	return f.completed[chapterID], nil
}

func (f *fakeRenditionStore) GetRendition(_ context.Context, chapterID string, bitrate int) (store.Rendition, error) {
	r, ok := f.renditions[fmt.Sprintf("%s-%d", chapterID, bitrate)]
	if !ok {
		return store.Rendition{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRenditionStore) LatestJob(_ context.Context, chapterID string) (store.Job, error) {
	job, ok := f.jobs[chapterID]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeRenditionStore) Ping(context.Context) error { return f.pingErr }

type fakeStreamCache struct {
	playlists map[string][]byte
	segments  map[string][]byte
	hits      int64
	misses    int64
	pingErr   error
}

func newFakeStreamCache() *fakeStreamCache {
	return &fakeStreamCache{playlists: map[string][]byte{}, segments: map[string][]byte{}}
}

func (f *fakeStreamCache) GetPlaylist(_ context.Context, chapterID, variant string) ([]byte, bool) {
	body, ok := f.playlists[chapterID+":"+variant]
	f.count(ok)
	return body, ok
}

func (f *fakeStreamCache) SetPlaylist(_ context.Context, chapterID, variant string, body []byte, _ string) {
	f.playlists[chapterID+":"+variant] = body
}

func (f *fakeStreamCache) GetSegment(_ context.Context, segmentID string) ([]byte, bool) {
	body, ok := f.segments[segmentID]
	f.count(ok)
	return body, ok
}

func (f *fakeStreamCache) SetSegment(_ context.Context, segmentID string, body []byte, _ string) {
	f.segments[segmentID] = body
}

func (f *fakeStreamCache) HasSegment(_ context.Context, segmentID string) bool {
	_, ok := f.segments[segmentID]
	return ok
}

func (f *fakeStreamCache) Analytics(context.Context) cache.Analytics {
	var rate float64
	if f.hits+f.misses > 0 {
		rate = float64(f.hits) / float64(f.hits+f.misses)
	}
	return cache.Analytics{Hits: f.hits, Misses: f.misses, HitRate: rate}
}

func (f *fakeStreamCache) Ping(context.Context) error { return f.pingErr }

func (f *fakeStreamCache) count(hit bool) {
	if hit {
		f.hits++
	} else {
		f.misses++
	}
}

type fakeObjectStore struct {
	objects map[string][]byte
	listErr error
}

func (f *fakeObjectStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", clients.ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var names []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			names = append(names, strings.TrimPrefix(key, prefix))
		}
	}
	return names, nil
}

type fakeBroker struct{ healthy bool }

func (f fakeBroker) Healthy() bool { return f.healthy }

type fakeJobRegistry struct{ inFlight int }

func (f fakeJobRegistry) InFlightJobs() int { return f.inFlight }

func newTestCollection() (*StreamingHandlersCollection, *fakeRenditionStore, *fakeStreamCache, *fakeObjectStore) {
	s := &fakeRenditionStore{
		completed:  map[string][]int{},
		renditions: map[string]store.Rendition{},
		jobs:       map[string]store.Job{},
	}
	c := newFakeStreamCache()
	o := &fakeObjectStore{objects: map[string][]byte{}}
	d := &StreamingHandlersCollection{
		Config: &config.Cli{Bitrates: []int{64, 128, 256}, SegmentDuration: 10, PreloadSegments: 10},
		Store:  s,
		Cache:  c,
		OS:     o,
		Broker: fakeBroker{healthy: true},
		Jobs:   fakeJobRegistry{},
	}
	return d, s, c, o
}

func newRouter(d *StreamingHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	router.POST("/api/v1/stream/chapters/:chapterID/preload", d.Preload())
	router.GET("/api/v1/stream/chapters/:chapterID/*file", d.ChapterFile())
	router.GET("/api/v1/stream/analytics", d.Analytics())
	router.GET("/api/v1/stream/health", d.Health())
	return router
}

func addCompleted(s *fakeRenditionStore, chapterID string, bitrates ...int) {
	for _, b := range bitrates {
		s.completed[chapterID] = append(s.completed[chapterID], b)
		s.renditions[fmt.Sprintf("%s-%d", chapterID, b)] = store.Rendition{
			ChapterID:    chapterID,
			Bitrate:      b,
			SegmentsPath: config.RenditionDir(chapterID, b),
			Status:       store.RenditionStatusCompleted,
		}
	}
}

func get(t *testing.T, router *httprouter.Router, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestMasterNotFoundWithoutRenditions(t *testing.T) {
	d, _, _, _ := newTestCollection()
	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/master.m3u8")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "error")
}

func TestMasterMarksBandwidthMatch(t *testing.T) {
	d, s, _, _ := newTestCollection()
	addCompleted(s, "chap-1", 64, 128, 256)

	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/master.m3u8?bandwidth=150000")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, config.MimePlaylist, rr.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=300", rr.Header().Get("Cache-Control"))

	for _, line := range strings.Split(rr.Body.String(), "\n") {
		if strings.Contains(line, "RESOLUTION=0x0") {
			require.Contains(t, line, "BANDWIDTH=128000")
			return
		}
	}
	t.Fatal("no variant marked with RESOLUTION=0x0")
}

func TestMasterCachesHintFreeResponseOnly(t *testing.T) {
	d, s, c, _ := newTestCollection()
	addCompleted(s, "chap-1", 64, 128)

	router := newRouter(d)
	rr := get(t, router, "/api/v1/stream/chapters/chap-1/master.m3u8")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, c.playlists, "chap-1:master")

	cached := c.playlists["chap-1:master"]
	rr = get(t, router, "/api/v1/stream/chapters/chap-1/master.m3u8")
	require.Equal(t, string(cached), rr.Body.String())

	// hinted requests bypass the cache entry
	before := len(c.playlists)
	rr = get(t, router, "/api/v1/stream/chapters/chap-1/master.m3u8?bitrate=64")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, c.playlists, before)
}

func TestVariantRejectsNonNumericBitrate(t *testing.T) {
	d, s, _, _ := newTestCollection()
	addCompleted(s, "chap-1", 128)

	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/abc/playlist.m3u8")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVariantRebuiltFromListing(t *testing.T) {
	d, s, c, o := newTestCollection()
	addCompleted(s, "chap-1", 128)
	o.objects["bit_transcode/chap-1/128k/segment_000.ts"] = []byte("ts0")
	o.objects["bit_transcode/chap-1/128k/segment_001.ts"] = []byte("ts1")
	o.objects["bit_transcode/chap-1/128k/playlist.m3u8"] = []byte("#EXTM3U")

	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/128/playlist.m3u8")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, "#EXT-X-TARGETDURATION:10")
	require.Contains(t, body, "segment_000.ts")
	require.Contains(t, body, "segment_001.ts")
	require.Contains(t, body, "#EXT-X-ENDLIST")
	require.NotContains(t, body, "playlist.m3u8")
	require.Contains(t, c.playlists, "chap-1:128")
}

func TestVariantNotFoundWhenIncomplete(t *testing.T) {
	d, s, _, _ := newTestCollection()
	s.renditions["chap-1-128"] = store.Rendition{
		ChapterID: "chap-1", Bitrate: 128, Status: store.RenditionStatusProcessing,
	}

	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/128/playlist.m3u8")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSegmentServedAndCached(t *testing.T) {
	d, s, c, o := newTestCollection()
	addCompleted(s, "chap-1", 128)
	o.objects["bit_transcode/chap-1/128k/segment_004.ts"] = []byte("mpegts-bytes")

	router := newRouter(d)
	rr := get(t, router, "/api/v1/stream/chapters/chap-1/128/segments/segment_004.ts")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, config.MimeSegment, rr.Header().Get("Content-Type"))
	require.Equal(t, "mpegts-bytes", rr.Body.String())
	require.Contains(t, c.segments, "chap-1_128_004")

	// second request is a cache hit
	hitsBefore := c.hits
	rr = get(t, router, "/api/v1/stream/chapters/chap-1/128/segments/segment_004.ts")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, hitsBefore+1, c.hits)
}

func TestSegmentNotFound(t *testing.T) {
	d, s, _, _ := newTestCollection()
	addCompleted(s, "chap-1", 128)

	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/128/segments/segment_099.ts")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusPartial(t *testing.T) {
	d, s, _, _ := newTestCollection()
	addCompleted(s, "chap-1", 64)
	s.jobs["chap-1"] = store.Job{ID: "job-1", Status: store.JobStatusProcessing, Progress: 40}

	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-1/status")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, `"transcoding_status":"partial"`)
	require.Contains(t, body, `"can_stream":true`)
	require.Contains(t, body, `"estimated_bandwidth":64000`)
}

func TestStatusNotStarted(t *testing.T) {
	d, _, _, _ := newTestCollection()
	rr := get(t, newRouter(d), "/api/v1/stream/chapters/chap-9/status")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"transcoding_status":"not_started"`)
	require.Contains(t, rr.Body.String(), `"can_stream":false`)
}

func TestPreloadWarmsSegmentCache(t *testing.T) {
	d, s, c, o := newTestCollection()
	addCompleted(s, "chap-1", 128)
	for i := 0; i < 5; i++ {
		o.objects[fmt.Sprintf("bit_transcode/chap-1/128k/segment_%03d.ts", i)] = []byte("ts")
	}

	router := newRouter(d)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/stream/chapters/chap-1/preload",
		strings.NewReader(`{"bitrate": 128}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"segments_loaded":5`)
	for i := 0; i < 5; i++ {
		require.Contains(t, c.segments, fmt.Sprintf("chap-1_128_%03d", i))
	}

	// preloading again is a no-op for the cache contents
	req = httptest.NewRequest(http.MethodPost, "/api/v1/stream/chapters/chap-1/preload",
		strings.NewReader(`{"bitrate": 128}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, c.segments, 5)
}

func TestPreloadDefaultsBitrate(t *testing.T) {
	d, s, _, o := newTestCollection()
	addCompleted(s, "chap-1", 128)
	o.objects["bit_transcode/chap-1/128k/segment_000.ts"] = []byte("ts")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stream/chapters/chap-1/preload", nil)
	rr := httptest.NewRecorder()
	newRouter(d).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"bitrate":128`)
}

func TestAnalyticsCountsHits(t *testing.T) {
	d, s, _, o := newTestCollection()
	addCompleted(s, "chap-1", 128)
	o.objects["bit_transcode/chap-1/128k/segment_000.ts"] = []byte("ts")

	router := newRouter(d)
	get(t, router, "/api/v1/stream/chapters/chap-1/128/segments/segment_000.ts") // miss
	get(t, router, "/api/v1/stream/chapters/chap-1/128/segments/segment_000.ts") // hit

	rr := get(t, router, "/api/v1/stream/analytics?chapterId=chap-1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"hits":1`)
	require.Contains(t, rr.Body.String(), `"chapter_id":"chap-1"`)
}

func TestAnalyticsReportsInFlightJobs(t *testing.T) {
	d, _, _, _ := newTestCollection()
	d.Jobs = fakeJobRegistry{inFlight: 2}

	rr := get(t, newRouter(d), "/api/v1/stream/analytics")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"in_flight_jobs":2`)
}

func TestHealthDegradedBrokerStillOK(t *testing.T) {
	d, _, _, _ := newTestCollection()
	d.Broker = fakeBroker{healthy: false}

	rr := get(t, newRouter(d), "/api/v1/stream/health")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"broker":false`)
}

func TestHealthUnavailableWhenDatabaseDown(t *testing.T) {
	d, s, _, _ := newTestCollection()
	s.pingErr = fmt.Errorf("connection refused")

	rr := get(t, newRouter(d), "/api/v1/stream/health")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"database":false`)
}

func TestParseSegmentIndex(t *testing.T) {
	index, err := parseSegmentIndex("segment_012.ts")
	require.NoError(t, err)
	require.Equal(t, 12, index)

	_, err = parseSegmentIndex("clip_000.ts")
	require.Error(t, err)
	_, err = parseSegmentIndex("segment_abc.ts")
	require.Error(t, err)
}
