package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type StreamAPIMetrics struct {
	TranscodeJobCount       *prometheus.CounterVec
	TranscodeJobDurationSec *prometheus.SummaryVec
	MasterAssemblyCount     *prometheus.CounterVec

	SegmentRequestDurationSec  prometheus.Histogram
	PlaylistRequestDurationSec prometheus.Histogram
	HTTPRequestsInFlight       prometheus.Gauge

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	BrokerReconnects  prometheus.Counter
	MessagesConsumed  *prometheus.CounterVec
	MessagesRequeued  *prometheus.CounterVec
	ObjectStoreClient ClientMetrics
}

type ClientMetrics struct {
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics() *StreamAPIMetrics {
	m := &StreamAPIMetrics{
		TranscodeJobCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_job_count",
			Help: "The total number of bitrate transcode jobs processed, broken up by bitrate and success",
		}, []string{"bitrate", "success"}),
		TranscodeJobDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "transcode_job_duration_seconds",
			Help: "The time taken to transcode one bitrate rendition, broken up by bitrate and success",
		}, []string{"bitrate", "success"}),
		MasterAssemblyCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "master_assembly_count",
			Help: "The total number of master playlist assembly jobs, broken up by success",
		}, []string{"success"}),

		SegmentRequestDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "segment_request_duration_seconds",
			Help:    "Time taken to serve a media segment",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PlaylistRequestDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "playlist_request_duration_seconds",
			Help:    "Time taken to serve a master or variant playlist",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "The number of streaming requests currently being served",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stream_cache_hit_count",
			Help: "The total number of stream cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stream_cache_miss_count",
			Help: "The total number of stream cache misses",
		}),

		BrokerReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_reconnect_count",
			Help: "The total number of reconnections to the message broker",
		}),
		MessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_consumed_count",
			Help: "The total number of broker messages consumed, broken up by queue and outcome",
		}, []string{"queue", "outcome"}),
		MessagesRequeued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_requeued_count",
			Help: "The total number of broker messages re-published for a retry attempt",
		}, []string{"queue"}),

		ObjectStoreClient: ClientMetrics{
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "object_store_failure_count",
				Help: "The total number of failed object store operations",
			}, []string{"operation"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "object_store_request_duration",
				Help:    "Time taken for object store operations",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"operation"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
