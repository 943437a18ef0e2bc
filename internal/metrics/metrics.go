// Package metrics provides Prometheus metrics for the pentaract server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pentaract_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pentaract_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage manager metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pentaract_command_queue_depth",
			Help: "Number of commands waiting in the storage manager queue",
		},
	)

	busyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pentaract_workers_busy",
			Help: "Number of workers currently executing a command",
		},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pentaract_commands_total",
			Help: "Total storage manager commands by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pentaract_command_duration_seconds",
			Help:    "Time from dequeue to terminal result",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	// Chunk transfer metrics
	chunkTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pentaract_chunk_transfers_total",
			Help: "Total chunk transfers against remote channels",
		},
		[]string{"operation", "channel", "status"},
	)

	chunkTransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pentaract_chunk_transfer_duration_seconds",
			Help:    "Chunk transfer duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	transferRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pentaract_transfer_retries_total",
			Help: "Total transient transfer failures that were retried",
		},
		[]string{"operation"},
	)

	chunkBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pentaract_chunk_bytes_total",
			Help: "Total chunk payload bytes moved through remote channels",
		},
		[]string{"operation"},
	)

	channelOutstanding = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pentaract_channel_outstanding_transfers",
			Help: "Outstanding transfers per remote channel",
		},
		[]string{"channel"},
	)

	// Event stream metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pentaract_event_subscribers",
			Help: "Number of connected event stream clients",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pentaract_events_published_total",
			Help: "Total file events published by type",
		},
		[]string{"type"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pentaract_db_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pentaract_db_connections_open",
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

// SetQueueDepth sets the number of queued commands.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// WorkerBusy adjusts the busy worker gauge by delta.
func WorkerBusy(delta int) {
	busyWorkers.Add(float64(delta))
}

// RecordCommand records a finished storage manager command.
func RecordCommand(cmdType string, duration time.Duration, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	commandsTotal.WithLabelValues(cmdType, outcome).Inc()
	commandDuration.WithLabelValues(cmdType).Observe(duration.Seconds())
}

// RecordChunkTransfer records one chunk transfer (after retries).
func RecordChunkTransfer(operation, channel string, bytes int64, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	chunkTransfersTotal.WithLabelValues(operation, channel, status).Inc()
	chunkTransferDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if success {
		chunkBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordTransferRetry records a retried transient failure.
func RecordTransferRetry(operation string) {
	transferRetriesTotal.WithLabelValues(operation).Inc()
}

// SetChannelOutstanding sets the outstanding transfer count of a channel.
func SetChannelOutstanding(channel string, n int64) {
	channelOutstanding.WithLabelValues(channel).Set(float64(n))
}

// SetEventSubscribers sets the number of event stream clients.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}

// RecordEvent records a published file event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
// The mux sets the pattern on the request it is handed, so Middleware must
// wrap the mux without another request-replacing middleware in between.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
