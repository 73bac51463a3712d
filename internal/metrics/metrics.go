// Package metrics provides Prometheus metrics for the bitdrive server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bitdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	chunkBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitdrive_chunk_bytes_received_total",
			Help: "Total chunk payload bytes written to staging",
		},
	)

	chunksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitdrive_chunks_received_total",
			Help: "Total chunk uploads received",
		},
		[]string{"status"},
	)

	mergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitdrive_merges_total",
			Help: "Total merge operations",
		},
		[]string{"status"},
	)

	mergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bitdrive_merge_duration_seconds",
			Help:    "Chunk reassembly duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	instantUploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitdrive_instant_uploads_total",
			Help: "Uploads completed by fingerprint dedup without transfer",
		},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitdrive_download_bytes_total",
			Help: "Total bytes served by the downloader",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitdrive_downloads_total",
			Help: "Total download requests",
		},
		[]string{"status"},
	)

	stagingDirsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitdrive_staging_dirs_active",
			Help: "Number of fingerprints with chunks currently staged",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bitdrive_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitdrive_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordChunkReceived records one chunk upload.
func RecordChunkReceived(bytes int64, success bool) {
	chunkBytesReceived.Add(float64(bytes))
	chunksReceivedTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordMerge records a merge operation.
func RecordMerge(duration time.Duration, success bool) {
	mergeDuration.Observe(duration.Seconds())
	mergesTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordInstantUpload records a dedup short-circuit.
func RecordInstantUpload() {
	instantUploadsTotal.Inc()
}

// RecordDownload records a download.
func RecordDownload(bytes int64, success bool) {
	downloadBytesTotal.Add(float64(bytes))
	downloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetStagingDirsActive sets the staged-fingerprint gauge.
func SetStagingDirsActive(count int) {
	stagingDirsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
