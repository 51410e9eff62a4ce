package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the ingestion server
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	MessageErrors      *prometheus.CounterVec

	// Session metrics
	SessionEvents *prometheus.CounterVec
	Finalizations *prometheus.CounterVec

	// Chunk metrics
	ChunksReceived  *prometheus.CounterVec
	ChunkSize       prometheus.Histogram
	ChunksRejected  *prometheus.CounterVec
	IntegrityAlarms prometheus.Counter
	StorageErrors   prometheus.Counter
	ArchiveUploads  *prometheus.CounterVec

	// Reconstruction metrics
	Reconstructions      *prometheus.CounterVec
	ReconstructedBytes   prometheus.Counter
	CorruptChunksSkipped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medinote_active_connections",
			Help: "Current number of open audio stream connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "medinote_connections_opened_total",
			Help: "Total number of audio stream connections accepted",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_connections_closed_total",
			Help: "Total number of audio stream connections closed",
		}, []string{"reason"}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medinote_connection_duration_seconds",
			Help:    "Lifetime of audio stream connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		MessageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_message_errors_total",
			Help: "Total number of inbound messages answered with an error",
		}, []string{"code"}),

		// Session metrics
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_session_events_total",
			Help: "Total number of session state transitions",
		}, []string{"event"}),
		Finalizations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_session_finalizations_total",
			Help: "Total number of session finalizations",
		}, []string{"reason", "complete"}),

		// Chunk metrics
		ChunksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_chunks_received_total",
			Help: "Total number of audio chunks received",
		}, []string{"route", "outcome"}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medinote_chunk_size_bytes",
			Help:    "Size of received audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ChunksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_chunks_rejected_total",
			Help: "Total number of audio chunks rejected without being stored",
		}, []string{"code"}),
		IntegrityAlarms: factory.NewCounter(prometheus.CounterOpts{
			Name: "medinote_integrity_alarms_total",
			Help: "Total number of chunk orders overwritten with different content",
		}),
		StorageErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "medinote_storage_errors_total",
			Help: "Total number of chunk persistence failures",
		}),
		ArchiveUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_archive_uploads_total",
			Help: "Total number of chunk archive uploads",
		}, []string{"result"}),

		// Reconstruction metrics
		Reconstructions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_reconstructions_total",
			Help: "Total number of session audio reconstructions served",
		}, []string{"format"}),
		ReconstructedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "medinote_reconstructed_bytes_total",
			Help: "Total audio bytes streamed by reconstructions",
		}),
		CorruptChunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "medinote_corrupt_chunks_skipped_total",
			Help: "Total number of stored chunks skipped during reconstruction",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medinote_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medinote_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened increments the open connection gauge and counter
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge and records the lifetime
func (m *Metrics) RecordConnectionClosed(reason string, durationSeconds float64) {
	m.ActiveConnections.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordMessageError counts an inbound message answered with an error
func (m *Metrics) RecordMessageError(code string) {
	m.MessageErrors.WithLabelValues(code).Inc()
}

// RecordSessionEvent counts a session state transition
func (m *Metrics) RecordSessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

// RecordFinalization counts a session finalization
func (m *Metrics) RecordFinalization(reason string, complete bool) {
	m.Finalizations.WithLabelValues(reason, strconv.FormatBool(complete)).Inc()
}

// RecordChunk records an accepted chunk and where it was routed
func (m *Metrics) RecordChunk(route, outcome string, sizeBytes int) {
	m.ChunksReceived.WithLabelValues(route, outcome).Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
	if outcome == "replaced" {
		m.IntegrityAlarms.Inc()
	}
}

// RecordChunkRejected counts a chunk answered with chunk_rejected
func (m *Metrics) RecordChunkRejected(code string) {
	m.ChunksRejected.WithLabelValues(code).Inc()
}

// RecordStorageError increments the storage errors counter
func (m *Metrics) RecordStorageError() {
	m.StorageErrors.Inc()
}

// RecordArchiveUpload counts a chunk archive upload attempt
func (m *Metrics) RecordArchiveUpload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ArchiveUploads.WithLabelValues(result).Inc()
}

// RecordReconstruction records a served reconstruction
func (m *Metrics) RecordReconstruction(format string, bytes int64, skipped int) {
	m.Reconstructions.WithLabelValues(format).Inc()
	m.ReconstructedBytes.Add(float64(bytes))
	m.CorruptChunksSkipped.Add(float64(skipped))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
