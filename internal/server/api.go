package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/reconstruct"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
)

// maxMissingOrders caps the gap list of a session status
const maxMissingOrders = 1000

// SessionStatus is the response of GET /v1/sessions/{id}
type SessionStatus struct {
	SessionID       string             `json:"session_id"`
	Session         *recording.Session `json:"session,omitempty"`
	Live            *registry.Entry    `json:"live,omitempty"`
	StoredChunks    int64              `json:"stored_chunks"`
	StoredBytes     int64              `json:"stored_bytes"`
	MissingOrders   []int64            `json:"missing_orders"`
	IntegrityAlarms int                `json:"integrity_alarms"`
}

func (h *HTTPServer) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sessionID")
	if err := recording.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (h *HTTPServer) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, msg)
}

// handleSession reports the stored row, live state and storage counts of a session
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	status := SessionStatus{SessionID: id}

	sess, err := h.deps.Sessions.GetSession(ctx, id)
	switch {
	case err == nil:
		status.Session = sess
	case !errors.Is(err, recording.ErrSessionNotFound):
		h.internalError(w, r, "Failed to load session", err)
		return
	}

	if status.Live, err = h.deps.Registry.Get(ctx, id); err != nil {
		h.internalError(w, r, "Failed to load live session state", err)
		return
	}

	if status.StoredChunks, status.StoredBytes, err = h.deps.Chunks.Totals(ctx, id); err != nil {
		h.internalError(w, r, "Failed to read chunk totals", err)
		return
	}

	if status.Session == nil && status.Live == nil && status.StoredChunks == 0 {
		writeError(w, http.StatusNotFound, recording.ErrSessionNotFound.Error())
		return
	}

	alarms, err := h.deps.Chunks.IntegrityAlarms(ctx, id)
	if err != nil {
		h.internalError(w, r, "Failed to load integrity alarms", err)
		return
	}
	status.IntegrityAlarms = len(alarms)

	if status.MissingOrders, err = h.deps.Chunks.MissingOrders(ctx, id, maxMissingOrders); err != nil {
		h.internalError(w, r, "Failed to list missing chunks", err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleChunks lists stored chunks without payloads
func (h *HTTPServer) handleChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	chunks, err := h.deps.Chunks.ListInfo(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "Failed to list chunks", err)
		return
	}
	if len(chunks) == 0 {
		writeError(w, http.StatusNotFound, recording.ErrSessionNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"total":      len(chunks),
		"chunks":     chunks,
	})
}

// handleChunk downloads one unwrapped chunk
func (h *HTTPServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	order, err := strconv.ParseInt(chi.URLParam(r, "order"), 10, 64)
	if err != nil || order < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunk order")
		return
	}

	piece, err := h.deps.Reconstruct.Chunk(r.Context(), id, order)
	switch {
	case errors.Is(err, recording.ErrChunkNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, recording.ErrCorruptPayload):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.internalError(w, r, "Failed to load chunk", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(piece.Data)))
	w.Header().Set("X-Chunk-Order", strconv.FormatInt(piece.Order, 10))
	w.Header().Set("X-Chunk-Origin", string(piece.Origin))
	w.WriteHeader(http.StatusOK)
	w.Write(piece.Data)
}

// handleAudio streams the reconstructed recording as raw PCM or WAV
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "wav"
	}
	if format != "wav" && format != "raw" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	var summary struct {
		bytes   int64
		skipped int
		pcm     audio.PCMFormat
	}
	if format == "wav" {
		// The header needs the total size up front
		s, err := h.deps.Reconstruct.Measure(ctx, id)
		if errors.Is(err, recording.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			h.internalError(w, r, "Failed to measure session audio", err)
			return
		}
		summary.bytes = s.Bytes
		summary.skipped = s.Skipped
		summary.pcm = h.deps.Reconstruct.DefaultFormat()
		if s.Format != nil {
			summary.pcm = *s.Format
		}
	}

	body, err := h.deps.Reconstruct.Stream(ctx, id)
	if errors.Is(err, recording.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to open session audio", err)
		return
	}
	defer body.Close()

	var written int64
	if format == "wav" {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Length", strconv.FormatInt(audio.WAVHeaderSize+summary.bytes, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
		w.WriteHeader(http.StatusOK)
		if err := audio.WriteWAVHeader(w, summary.pcm, summary.bytes); err != nil {
			return
		}
		// Chunks stored after Measure are left out so the body matches the header
		written, err = io.CopyN(w, body, summary.bytes)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".pcm"))
		w.WriteHeader(http.StatusOK)
		written, err = io.Copy(w, body)
	}

	if err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("Audio download interrupted",
			slog.String("session_id", id),
			slog.Int64("written", written),
			slog.String("error", err.Error()),
		)
		return
	}

	h.deps.Metrics.RecordReconstruction(format, written, summary.skipped)
}

// handlePlaylist lists the chunks of a session as an HLS style playlist or JSON
func (h *HTTPServer) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	segments, err := h.deps.Reconstruct.Segments(r.Context(), id)
	if errors.Is(err, recording.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to build playlist", err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, renderM3U8(id, segments))
	case "json":
		var total time.Duration
		for _, s := range segments {
			total += s.Duration
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id":       id,
			"total_chunks":     len(segments),
			"duration_seconds": total.Seconds(),
			"chunks":           segments,
		})
	default:
		writeError(w, http.StatusBadRequest, "unsupported playlist format")
	}
}

func renderM3U8(sessionID string, segments []reconstruct.Segment) string {
	var target float64
	for _, s := range segments {
		target = math.Max(target, math.Ceil(s.Duration.Seconds()))
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(target))
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n/v1/sessions/%s/chunks/%d\n", s.Duration.Seconds(), sessionID, s.Order)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// handleIntegrity lists integrity alarms of a session
func (h *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	alarms, err := h.deps.Chunks.IntegrityAlarms(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "Failed to load integrity alarms", err)
		return
	}
	if alarms == nil {
		alarms = []persistence.IntegrityAlarm{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"total":      len(alarms),
		"alarms":     alarms,
	})
}

// handlePatientSessions lists the finalized sessions of a patient
func (h *HTTPServer) handlePatientSessions(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	if err := recording.ValidatePatientID(patientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := h.deps.Sessions.ListSessionsByPatient(r.Context(), patientID)
	if err != nil {
		h.internalError(w, r, "Failed to list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []recording.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"total":      len(sessions),
		"sessions":   sessions,
	})
}

// handleLive lists registry entries that are not ended
func (h *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Registry.Live(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to list live sessions", err)
		return
	}
	if entries == nil {
		entries = []registry.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(entries),
		"sessions": entries,
	})
}
