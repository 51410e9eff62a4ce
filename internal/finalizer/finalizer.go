package finalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sessionlock"
)

// Reason explains why a session is being finalized
type Reason string

const (
	ReasonExplicitEnd Reason = "explicit_end"
	ReasonDisconnect  Reason = "disconnect"
	ReasonError       Reason = "error"
	ReasonIdleTimeout Reason = "idle_timeout"
	ReasonBackfill    Reason = "backfill"
)

// ChunkCounter reads the stored totals of a session
type ChunkCounter interface {
	Totals(ctx context.Context, sessionID string) (count, bytes int64, err error)
}

// SessionRepository stores finalized session rows
type SessionRepository interface {
	GetSession(ctx context.Context, sessionID string) (*recording.Session, error)
	UpsertSession(ctx context.Context, sess recording.Session) error
}

// Observer is notified of every written session row
type Observer func(reason Reason, sess recording.Session)

// Request describes one finalization
type Request struct {
	Key       recording.SessionKey
	StartedAt time.Time
	Reason    Reason
}

// Finalizer derives the session row from stored chunks. Only an explicit end
// marks a session complete and a complete session is never reverted, so
// repeated calls with the same storage state write the same row.
type Finalizer struct {
	chunks   ChunkCounter
	sessions SessionRepository
	locks    *sessionlock.Locks
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// New creates a finalizer
func New(chunks ChunkCounter, sessions SessionRepository, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		chunks:   chunks,
		sessions: sessions,
		locks:    sessionlock.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetObserver registers fn to be called after each row is written
func (f *Finalizer) SetObserver(fn Observer) {
	f.observer = fn
}

// Finalize writes the session row for req. A session without stored chunks
// gets no row and Finalize returns nil, nil.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (*recording.Session, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}

	unlock := f.locks.Lock(req.Key.SessionID)
	defer unlock()

	count, size, err := f.chunks.Totals(ctx, req.Key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk totals of %s: %w", req.Key.SessionID, err)
	}
	if count == 0 {
		f.logger.Debug("No chunks stored, session row not written",
			slog.String("session_id", req.Key.SessionID),
			slog.String("reason", string(req.Reason)),
		)
		return nil, nil
	}

	existing, err := f.sessions.GetSession(ctx, req.Key.SessionID)
	if err != nil && !errors.Is(err, recording.ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to load session %s: %w", req.Key.SessionID, err)
	}
	if errors.Is(err, recording.ErrSessionNotFound) {
		existing = nil
	}

	now := f.now()
	sess := recording.Session{
		ID:          req.Key.SessionID,
		PatientID:   req.Key.PatientID,
		StartedAt:   req.StartedAt,
		Complete:    req.Reason == ReasonExplicitEnd,
		TotalBytes:  size,
		TotalChunks: count,
		UpdatedAt:   now,
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}

	if existing != nil {
		if !existing.StartedAt.IsZero() && existing.StartedAt.Before(sess.StartedAt) {
			sess.StartedAt = existing.StartedAt
		}
		if existing.Complete {
			if !sess.Complete {
				f.logger.Info("Session already complete, keeping completion",
					slog.String("session_id", sess.ID),
					slog.String("reason", string(req.Reason)),
				)
			}
			sess.Complete = true
			sess.EndedAt = existing.EndedAt
		}
	}
	if sess.EndedAt == nil {
		sess.EndedAt = &now
	}

	if err := f.sessions.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to write session %s: %w", sess.ID, err)
	}

	f.logger.Info("Session finalized",
		slog.String("session_id", sess.ID),
		slog.String("patient_id", sess.PatientID),
		slog.String("reason", string(req.Reason)),
		slog.Bool("complete", sess.Complete),
		slog.Int64("total_chunks", sess.TotalChunks),
		slog.Int64("total_bytes", sess.TotalBytes),
	)

	if f.observer != nil {
		f.observer(req.Reason, sess)
	}

	return &sess, nil
}
