// Package metrics exposes Prometheus collectors for the spider and the
// archive server.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	spiderPagesTotal        *prometheus.CounterVec
	spiderBytesTotal        prometheus.Counter
	spiderRetriesTotal      *prometheus.CounterVec
	spiderBlobDedupTotal    prometheus.Counter
	spiderNotModifiedTotal  prometheus.Counter
	frontierPending         prometheus.Gauge
	frontierInFlight        prometheus.Gauge
	serverRequestsTotal     *prometheus.CounterVec
	serverRequestDuration   *prometheus.HistogramVec
	politenessDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		spiderPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whynot_spider_pages_total",
				Help: "Pages processed by the spider, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)
		spiderBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "whynot_spider_bytes_total",
				Help: "Total bytes fetched by the spider.",
			},
		)
		spiderRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whynot_spider_retries_total",
				Help: "Fetch retries, labeled by host.",
			},
			[]string{"host"},
		)
		spiderBlobDedupTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "whynot_spider_blob_dedup_hits_total",
				Help: "Downloads whose content already existed in the blob store.",
			},
		)
		spiderNotModifiedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "whynot_spider_not_modified_total",
				Help: "Conditional re-fetches answered with 304 Not Modified.",
			},
		)
		frontierPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "whynot_frontier_pending",
				Help: "Entries waiting in the frontier.",
			},
		)
		frontierInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "whynot_frontier_in_flight",
				Help: "Entries currently being processed by workers.",
			},
		)
		serverRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whynot_server_requests_total",
				Help: "Archive server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		serverRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whynot_server_request_duration_seconds",
				Help:    "Archive server request latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method"},
		)
		politenessDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whynot_spider_politeness_delays_seconds",
				Help:    "Time spent waiting on the per-host politeness limiter.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one processed frontier entry.
func ObservePage(kind, outcome string, bytesFetched int) {
	if spiderPagesTotal == nil {
		return
	}
	spiderPagesTotal.WithLabelValues(kind, outcome).Inc()
	if bytesFetched > 0 {
		spiderBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveRetry counts one fetch retry against host.
func ObserveRetry(host string) {
	if spiderRetriesTotal == nil {
		return
	}
	if host == "" {
		host = "unknown"
	}
	spiderRetriesTotal.WithLabelValues(host).Inc()
}

// ObserveBlobDedup counts a download whose content already existed.
func ObserveBlobDedup() {
	if spiderBlobDedupTotal == nil {
		return
	}
	spiderBlobDedupTotal.Inc()
}

// ObserveNotModified counts a 304 on a conditional re-fetch.
func ObserveNotModified() {
	if spiderNotModifiedTotal == nil {
		return
	}
	spiderNotModifiedTotal.Inc()
}

// SetFrontierDepth updates the frontier gauges.
func SetFrontierDepth(pending, inFlight int) {
	if frontierPending == nil {
		return
	}
	frontierPending.Set(float64(pending))
	frontierInFlight.Set(float64(inFlight))
}

// ObserveServerRequest records one archive server request.
func ObserveServerRequest(method string, code int, duration time.Duration) {
	if serverRequestsTotal == nil {
		return
	}
	serverRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	serverRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObservePolitenessDelay records time spent in the per-host limiter.
func ObservePolitenessDelay(host string, duration time.Duration) {
	if politenessDelaysSeconds == nil {
		return
	}
	if host == "" {
		host = "unknown"
	}
	politenessDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
