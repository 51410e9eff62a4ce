package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/divij2510/MediNote-App-sub001/internal/config"
	"github.com/divij2510/MediNote-App-sub001/internal/metrics"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/reconstruct"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
	"github.com/divij2510/MediNote-App-sub001/internal/stream"
)

// ChunkReader is the read side of chunk persistence used by the REST API
type ChunkReader interface {
	Totals(ctx context.Context, sessionID string) (count, bytes int64, err error)
	MissingOrders(ctx context.Context, sessionID string, limit int) ([]int64, error)
	ListInfo(ctx context.Context, sessionID string) ([]persistence.StoredChunk, error)
	IntegrityAlarms(ctx context.Context, sessionID string) ([]persistence.IntegrityAlarm, error)
}

// SessionReader reads finalized session rows
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*recording.Session, error)
	ListSessionsByPatient(ctx context.Context, patientID string) ([]recording.Session, error)
}

// Dependencies are the components the HTTP server exposes
type Dependencies struct {
	Manager     *stream.Manager
	Registry    *registry.Registry
	Chunks      ChunkReader
	Sessions    SessionReader
	Reconstruct *reconstruct.Service
	Metrics     *metrics.Metrics
	// Gatherer serves /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
}

// HTTPServer serves the audio stream WebSocket, the session REST API and
// monitoring endpoints
type HTTPServer struct {
	server *http.Server
	router chi.Router
	logger *slog.Logger
	config *config.Config
	deps   Dependencies

	// Server state
	startTime time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, deps Dependencies) (*HTTPServer, error) {
	if deps.Manager == nil || deps.Registry == nil || deps.Chunks == nil ||
		deps.Sessions == nil || deps.Reconstruct == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("manager, registry, chunks, sessions, reconstruct and metrics are required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		startTime: time.Now(),
	}

	h.router = chi.NewRouter()
	h.setupRoutes(h.router)

	h.server = &http.Server{
		Addr:              appConfig.Server.Addr(),
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h, nil
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(r chi.Router) {
	// Prometheus metrics endpoint (not instrumented itself)
	r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(h.withMetrics)

		r.Get("/", h.handleRoot)
		r.Get("/config", h.handleConfig)

		r.Get("/ws/audio-stream", h.handleAudioStream)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/stats", h.handleStats)
			r.Get("/connections", h.handleConnections)
			r.Get("/live", h.handleLive)
			r.Get("/patients/{patientID}/sessions", h.handlePatientSessions)

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", h.handleSession)
				r.Get("/chunks", h.handleChunks)
				r.Get("/chunks/{order}", h.handleChunk)
				r.Get("/audio", h.handleAudio)
				r.Get("/playlist", h.handlePlaylist)
				r.Get("/integrity", h.handleIntegrity)
			})
		})
	})
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics records request metrics labelled with the matched route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streamed audio reach the client as it is produced
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the WebSocket upgrade
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":            h.config.Server.Address,
			"port":               h.config.Server.Port,
			"idle_timeout":       h.config.Server.IdleTimeout,
			"keepalive_interval": h.config.Server.KeepaliveInterval,
			"write_timeout":      h.config.Server.WriteTimeout,
			"max_message_bytes":  h.config.Server.MaxMessageBytes,
		},
		"storage": map[string]interface{}{
			"path": h.config.Storage.Path,
		},
		"registry": map[string]interface{}{
			"driver":     h.config.Registry.Driver,
			"redis_addr": h.config.Registry.RedisAddr,
			"ttl":        h.config.Registry.TTL,
			// Note: password is intentionally omitted
		},
		"metadata": map[string]interface{}{
			"driver": h.config.Metadata.Driver,
		},
		"supabase": map[string]interface{}{
			"enabled":        h.config.Supabase.Enabled,
			"url":            h.config.Supabase.URL,
			"patients_table": h.config.Supabase.PatientsTable,
			"sessions_table": h.config.Supabase.SessionsTable,
			"archive_bucket": h.config.Supabase.ArchiveBucket,
			// Note: API key is intentionally omitted
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /v1/stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"connections": map[string]interface{}{
			"active_count": h.deps.Manager.GetActiveConnectionCount(),
		},
		"registry_driver": h.config.Registry.Driver,
		"metadata_driver": h.config.Metadata.Driver,
		"reconstruction":  h.deps.Reconstruct.GetStats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConnections lists open audio stream connections
func (h *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.deps.Manager.GetAllConnections()

	response := map[string]interface{}{
		"total_connections": len(conns),
		"timestamp":         time.Now().UTC(),
		"connections":       conns,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "MediNote audio ingestion",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                                  "API documentation",
			"GET /config":                            "Get service configuration",
			"GET /ws/audio-stream":                   "Audio stream WebSocket",
			"GET /v1/stats":                          "Get service statistics",
			"GET /v1/connections":                    "List open audio stream connections",
			"GET /v1/live":                           "List sessions that are not ended",
			"GET /v1/patients/{id}/sessions":         "List sessions of a patient",
			"GET /v1/sessions/{id}":                  "Get session status",
			"GET /v1/sessions/{id}/chunks":           "List stored chunks",
			"GET /v1/sessions/{id}/chunks/{order}":   "Download one chunk",
			"GET /v1/sessions/{id}/audio":            "Download reconstructed audio (format=raw|wav)",
			"GET /v1/sessions/{id}/playlist":         "Get chunk playlist (format=m3u8|json)",
			"GET /v1/sessions/{id}/integrity":        "List integrity alarms",
			"GET /metrics":                           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
