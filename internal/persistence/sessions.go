package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sqlitex"
)

// UpsertSession writes a session row, replacing any previous version
func (s *Store) UpsertSession(ctx context.Context, sess recording.Session) error {
	if err := sess.Key().Validate(); err != nil {
		return err
	}

	var endedAt any
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.UnixNano()
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	_, err := sqlitex.Exec(ctx, s.db, `
		INSERT INTO sessions
		    (session_id, patient_id, started_at, ended_at, complete, total_bytes, total_chunks, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
		    patient_id = excluded.patient_id,
		    started_at = excluded.started_at,
		    ended_at = excluded.ended_at,
		    complete = excluded.complete,
		    total_bytes = excluded.total_bytes,
		    total_chunks = excluded.total_chunks,
		    updated_at = excluded.updated_at`,
		sess.ID, sess.PatientID, sqlitex.Nanos(sess.StartedAt), endedAt, boolInt(sess.Complete),
		sess.TotalBytes, sess.TotalChunks, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

const sessionColumns = `session_id, patient_id, started_at, ended_at, complete,
	total_bytes, total_chunks, updated_at`

func scanSession(row rowScanner) (recording.Session, error) {
	var (
		sess      recording.Session
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
		updatedAt sql.NullInt64
		complete  int
	)
	if err := row.Scan(&sess.ID, &sess.PatientID, &startedAt, &endedAt, &complete,
		&sess.TotalBytes, &sess.TotalChunks, &updatedAt); err != nil {
		return recording.Session{}, err
	}
	sess.StartedAt = sqlitex.NanoTime(startedAt)
	if endedAt.Valid {
		t := sqlitex.NanoTime(endedAt)
		sess.EndedAt = &t
	}
	sess.Complete = complete != 0
	sess.UpdatedAt = sqlitex.NanoTime(updatedAt)
	return sess, nil
}

// GetSession returns the session row or recording.ErrSessionNotFound
func (s *Store) GetSession(ctx context.Context, sessionID string) (*recording.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", recording.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessionsByPatient returns a patient's sessions, most recent first
func (s *Store) ListSessionsByPatient(ctx context.Context, patientID string) ([]recording.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE patient_id = ? ORDER BY started_at DESC, session_id`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []recording.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
