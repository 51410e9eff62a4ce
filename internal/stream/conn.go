package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/finalizer"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
)

// Close reasons
const (
	CloseClient   = "client_closed"
	CloseIdle     = "idle_timeout"
	CloseError    = "error"
	CloseShutdown = "shutdown"
)

type attachment struct {
	key       recording.SessionKey
	startedAt time.Time
}

// ConnStats counts what a connection did
type ConnStats struct {
	MessagesHandled uint64 `json:"messages_handled"`
	ChunksStored    uint64 `json:"chunks_stored"`
	ChunksDuplicate uint64 `json:"chunks_duplicate"`
	ChunksBackfill  uint64 `json:"chunks_backfill"`
	ChunksRejected  uint64 `json:"chunks_rejected"`
	Errors          uint64 `json:"errors"`
}

// ConnInfo represents connection information for monitoring and APIs
type ConnInfo struct {
	ID           string        `json:"connection_id"`
	OpenedAt     time.Time     `json:"opened_at"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	Sessions     []string      `json:"sessions"`
	Stats        ConnStats     `json:"stats"`
}

// Conn is the server-side state of one audio stream connection. Handle is the
// only place connection state changes; calls are serialized per connection.
type Conn struct {
	ID       string
	OpenedAt time.Time

	lastActivity time.Time
	// sessions started on this connection and not yet ended
	attached map[string]*attachment
	// sessions that received backfill on this connection
	backfilled map[string]recording.SessionKey
	// patient ids already checked against the directory
	patients map[string]bool
	stats    ConnStats
	closed   bool

	closer    func(reason string)
	closeOnce sync.Once
	manager   *Manager

	mu sync.Mutex
}

// LastActivity returns the time the last message was handled
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Info returns a monitoring snapshot of the connection
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]string, 0, len(c.attached))
	for id := range c.attached {
		sessions = append(sessions, id)
	}

	return ConnInfo{
		ID:           c.ID,
		OpenedAt:     c.OpenedAt,
		LastActivity: c.lastActivity,
		Duration:     time.Since(c.OpenedAt),
		Sessions:     sessions,
		Stats:        c.stats,
	}
}

// Handle applies one client message and returns the replies to send back, in order
func (c *Conn) Handle(ctx context.Context, msg protocol.Message) []protocol.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return []protocol.Reply{protocol.ErrorReply(msg, protocol.CodeInternal, "connection closed")}
	}

	c.lastActivity = time.Now()
	c.stats.MessagesHandled++

	if err := protocol.Validate(msg); err != nil {
		if chunk, ok := msg.(*protocol.AudioChunk); ok {
			return []protocol.Reply{c.reject(chunk, protocol.CodeInvalidMessage, err.Error())}
		}
		return []protocol.Reply{c.fail(msg, protocol.CodeInvalidMessage, err.Error())}
	}

	switch m := msg.(type) {
	case *protocol.SessionStart:
		return []protocol.Reply{c.handleStart(ctx, m)}
	case *protocol.AudioChunk:
		return []protocol.Reply{c.handleChunk(ctx, m)}
	case *protocol.SessionEnd:
		return []protocol.Reply{c.handleEnd(ctx, m)}
	case *protocol.SessionPause:
		return []protocol.Reply{c.handlePause(ctx, m)}
	case *protocol.SessionResume:
		return []protocol.Reply{c.handleResume(ctx, m)}
	case *protocol.Ping:
		return []protocol.Reply{{Type: protocol.TypePong, MsgID: m.MsgID}}
	default:
		return []protocol.Reply{c.fail(msg, protocol.CodeInvalidMessage, fmt.Sprintf("unsupported message %T", msg))}
	}
}

func (c *Conn) fail(msg protocol.Message, code, message string) protocol.Reply {
	c.stats.Errors++
	c.manager.deps.Metrics.RecordMessageError(code)
	return protocol.ErrorReply(msg, code, message)
}

func (c *Conn) reject(m *protocol.AudioChunk, code, message string) protocol.Reply {
	c.stats.ChunksRejected++
	c.manager.deps.Metrics.RecordChunkRejected(code)
	return protocol.ChunkRejected(m, code, message)
}

// verifyPatient checks a patient id against the directory once per connection
func (c *Conn) verifyPatient(ctx context.Context, patientID string) error {
	if c.patients[patientID] {
		return nil
	}
	if _, err := c.manager.deps.Patients.GetPatient(ctx, patientID); err != nil {
		return err
	}
	c.patients[patientID] = true
	return nil
}

func patientCode(err error) string {
	if errors.Is(err, recording.ErrPatientNotFound) {
		return protocol.CodePatientNotFound
	}
	return protocol.CodeInternal
}

func (c *Conn) handleStart(ctx context.Context, m *protocol.SessionStart) protocol.Reply {
	deps := c.manager.deps
	key := recording.SessionKey{PatientID: m.PatientID, SessionID: m.SessionID}

	if err := c.verifyPatient(ctx, key.PatientID); err != nil {
		return c.fail(m, patientCode(err), err.Error())
	}

	entry, err := deps.Registry.Start(ctx, key, c.ID)
	if err != nil {
		c.manager.logger.Error("Failed to start session",
			slog.String("connection_id", c.ID),
			slog.String("session_id", key.SessionID),
			slog.String("error", err.Error()),
		)
		return c.fail(m, protocol.CodeInvalidMessage, err.Error())
	}

	startedAt := entry.StartedAt
	if !m.StartedAt.IsZero() && m.StartedAt.Before(startedAt) {
		startedAt = m.StartedAt
	}
	c.attached[key.SessionID] = &attachment{key: key, startedAt: startedAt}
	deps.Metrics.RecordSessionEvent("start")

	reply := protocol.Reply{
		Type:      protocol.TypeSessionConfirmed,
		MsgID:     m.MsgID,
		SessionID: key.SessionID,
		State:     string(entry.State),
	}
	if last, ok, err := deps.Chunks.MaxOrder(ctx, key.SessionID); err == nil && ok {
		reply.LastOrder = &last
	}

	c.manager.logger.Info("Session started",
		slog.String("connection_id", c.ID),
		slog.String("session_id", key.SessionID),
		slog.String("patient_id", key.PatientID),
		slog.Int("attaches", entry.Attaches),
	)
	return reply
}

func (c *Conn) handleChunk(ctx context.Context, m *protocol.AudioChunk) protocol.Reply {
	deps := c.manager.deps

	route, entry, err := deps.Registry.Classify(ctx, m.SessionID, c.ID)
	if err != nil {
		c.manager.logger.Error("Failed to classify chunk",
			slog.String("connection_id", c.ID),
			slog.String("session_id", m.SessionID),
			slog.String("error", err.Error()),
		)
		return c.reject(m, protocol.CodeInternal, "session lookup failed")
	}

	if route == registry.RoutePaused {
		return c.reject(m, protocol.CodeSessionPaused, "session is paused, chunk discarded")
	}

	chunk := m.Chunk()
	if entry != nil {
		if chunk.PatientID == "" {
			chunk.PatientID = entry.PatientID
		} else if chunk.PatientID != entry.PatientID {
			return c.reject(m, protocol.CodeInvalidMessage, "chunk patient does not match session")
		}
	}
	if chunk.PatientID == "" {
		return c.reject(m, protocol.CodeInvalidMessage, "patient_id required for unknown session")
	}

	var result persistence.AppendResult
	if route == registry.RouteLive {
		result, err = deps.Chunks.Append(ctx, chunk)
	} else {
		if err := c.verifyPatient(ctx, chunk.PatientID); err != nil {
			return c.reject(m, patientCode(err), err.Error())
		}
		result, err = deps.Chunks.AppendNext(ctx, chunk)
	}
	if err != nil {
		deps.Metrics.RecordStorageError()
		c.manager.logger.Error("Failed to persist chunk",
			slog.String("connection_id", c.ID),
			slog.String("session_id", chunk.SessionID),
			slog.Int64("order", chunk.Order),
			slog.String("route", route.String()),
			slog.String("error", err.Error()),
		)
		return c.reject(m, protocol.CodeStorage, "chunk could not be stored")
	}

	deps.Metrics.RecordChunk(route.String(), result.Outcome.String(), chunk.Size())

	switch {
	case result.Outcome == persistence.OutcomeDuplicate:
		c.stats.ChunksDuplicate++
	case route == registry.RouteLive:
		c.stats.ChunksStored++
	default:
		c.stats.ChunksBackfill++
	}

	if route == registry.RouteBackfill {
		c.backfilled[chunk.SessionID] = chunk.Key()
	} else if err := deps.Registry.Touch(ctx, chunk.SessionID); err != nil {
		c.manager.logger.Debug("Failed to touch session",
			slog.String("session_id", chunk.SessionID),
			slog.String("error", err.Error()),
		)
	}

	if result.Outcome != persistence.OutcomeDuplicate {
		c.manager.archive(chunk, result.Order)
	}

	return protocol.ChunkAck(m, result.Order, result.Outcome == persistence.OutcomeDuplicate)
}

func (c *Conn) handleEnd(ctx context.Context, m *protocol.SessionEnd) protocol.Reply {
	deps := c.manager.deps

	key := recording.SessionKey{PatientID: m.PatientID, SessionID: m.SessionID}
	var startedAt time.Time
	if a, ok := c.attached[m.SessionID]; ok {
		key = a.key
		startedAt = a.startedAt
	} else if entry, err := deps.Registry.Get(ctx, m.SessionID); err == nil && entry != nil {
		if key.PatientID == "" {
			key.PatientID = entry.PatientID
		}
		startedAt = entry.StartedAt
	} else if k, ok := c.backfilled[m.SessionID]; ok && key.PatientID == "" {
		key.PatientID = k.PatientID
	}
	if key.PatientID == "" {
		return c.fail(m, protocol.CodeInvalidMessage, "patient_id required to end an unknown session")
	}

	if _, err := deps.Registry.End(ctx, key); err != nil {
		c.manager.logger.Error("Failed to end session in registry",
			slog.String("session_id", key.SessionID),
			slog.String("error", err.Error()),
		)
		return c.fail(m, protocol.CodeInternal, "session could not be ended")
	}
	delete(c.attached, key.SessionID)
	delete(c.backfilled, key.SessionID)
	deps.Metrics.RecordSessionEvent("end")

	sess, err := deps.Finalizer.Finalize(ctx, finalizer.Request{
		Key:       key,
		StartedAt: startedAt,
		Reason:    finalizer.ReasonExplicitEnd,
	})
	if err != nil {
		deps.Metrics.RecordStorageError()
		c.manager.logger.Error("Failed to finalize session",
			slog.String("session_id", key.SessionID),
			slog.String("error", err.Error()),
		)
		return c.fail(m, protocol.CodeStorage, "session could not be finalized")
	}

	reply := protocol.Reply{
		Type:      protocol.TypeSessionEnded,
		MsgID:     m.MsgID,
		SessionID: key.SessionID,
		State:     string(registry.StateEnded),
	}
	if sess != nil {
		reply.Persisted = true
		reply.Complete = sess.Complete
		reply.TotalBytes = sess.TotalBytes
		reply.TotalChunks = sess.TotalChunks
	}
	return reply
}

func (c *Conn) handlePause(ctx context.Context, m *protocol.SessionPause) protocol.Reply {
	entry, err := c.manager.deps.Registry.Pause(ctx, m.SessionID, c.ID)
	if errors.Is(err, registry.ErrNotAttached) {
		return c.fail(m, protocol.CodeNotAttached, err.Error())
	}
	if err != nil {
		return c.fail(m, protocol.CodeInternal, err.Error())
	}
	c.manager.deps.Metrics.RecordSessionEvent("pause")

	return protocol.Reply{
		Type:      protocol.TypeSessionPaused,
		MsgID:     m.MsgID,
		SessionID: m.SessionID,
		State:     string(entry.State),
	}
}

func (c *Conn) handleResume(ctx context.Context, m *protocol.SessionResume) protocol.Reply {
	entry, err := c.manager.deps.Registry.Resume(ctx, m.SessionID, c.ID)
	if errors.Is(err, registry.ErrNotAttached) {
		return c.fail(m, protocol.CodeNotAttached, err.Error())
	}
	if err != nil {
		return c.fail(m, protocol.CodeInternal, err.Error())
	}
	c.manager.deps.Metrics.RecordSessionEvent("resume")

	return protocol.Reply{
		Type:      protocol.TypeSessionResumed,
		MsgID:     m.MsgID,
		SessionID: m.SessionID,
		State:     string(entry.State),
	}
}

func finalizeReason(closeReason string) finalizer.Reason {
	switch closeReason {
	case CloseIdle:
		return finalizer.ReasonIdleTimeout
	case CloseError:
		return finalizer.ReasonError
	default:
		return finalizer.ReasonDisconnect
	}
}

// Close runs the disconnect path once. Sessions still attached are detached
// and finalized incomplete; sessions that received backfill are finalized so
// their totals include it.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		attached := c.attached
		backfilled := c.backfilled
		c.attached = make(map[string]*attachment)
		c.backfilled = make(map[string]recording.SessionKey)
		stats := c.stats
		c.mu.Unlock()

		m := c.manager
		ctx, cancel := context.WithTimeout(context.Background(), m.config.FinalizeTimeout)
		defer cancel()

		for id, a := range attached {
			detached, err := m.deps.Registry.Detach(ctx, id, c.ID)
			if err != nil {
				m.logger.Error("Failed to detach session",
					slog.String("connection_id", c.ID),
					slog.String("session_id", id),
					slog.String("error", err.Error()),
				)
			}
			if !detached {
				// Another connection took the session over
				continue
			}
			m.deps.Metrics.RecordSessionEvent("detach")
			delete(backfilled, id)

			if _, err := m.deps.Finalizer.Finalize(ctx, finalizer.Request{
				Key:       a.key,
				StartedAt: a.startedAt,
				Reason:    finalizeReason(reason),
			}); err != nil {
				m.logger.Error("Failed to finalize detached session",
					slog.String("session_id", id),
					slog.String("error", err.Error()),
				)
			}
		}

		for id, key := range backfilled {
			if _, err := m.deps.Finalizer.Finalize(ctx, finalizer.Request{
				Key:    key,
				Reason: finalizer.ReasonBackfill,
			}); err != nil {
				m.logger.Error("Failed to finalize backfilled session",
					slog.String("session_id", id),
					slog.String("error", err.Error()),
				)
			}
		}

		m.remove(c.ID)
		m.deps.Metrics.RecordConnectionClosed(reason, time.Since(c.OpenedAt).Seconds())

		if c.closer != nil {
			c.closer(reason)
		}

		m.logger.Info("Audio stream connection closed",
			slog.String("connection_id", c.ID),
			slog.String("reason", reason),
			slog.Duration("duration", time.Since(c.OpenedAt)),
			slog.Int("detached_sessions", len(attached)),
			slog.Uint64("chunks_stored", stats.ChunksStored),
			slog.Uint64("chunks_backfill", stats.ChunksBackfill),
			slog.Uint64("chunks_duplicate", stats.ChunksDuplicate),
		)
	})
}
