package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sqlitex"
)

const (
	databaseFile = "chunks.db"
	lockFile     = "store.lock"
)

// ErrLocked is returned when another process owns the store directory
var ErrLocked = errors.New("local chunk store is in use by another process")

// Options tune the local store
type Options struct {
	// MaxPendingBytes bounds the payload bytes kept in the store. Zero disables the bound.
	MaxPendingBytes int64
	// MaxRetries is the number of failed attempts after which a chunk is marked failed
	MaxRetries int
	Logger     *slog.Logger
}

// Store is the client's durable chunk queue. Every produced chunk is written
// here before any delivery attempt and stays until the server acknowledges it.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	dir    string
	opts   Options
	logger *slog.Logger

	// serializes the bound check with the insert
	enqueueMu sync.Mutex
}

// Backlog summarizes queued work for one session
type Backlog struct {
	SessionID  string `json:"session_id"`
	PatientID  string `json:"patient_id"`
	Chunks     int    `json:"chunks"`
	Failed     int    `json:"failed"`
	Bytes      int64  `json:"bytes"`
	EndPending bool   `json:"end_pending"`
}

// Stats counts queued chunks by status
type Stats struct {
	Pending  int   `json:"pending"`
	InFlight int   `json:"in_flight"`
	Failed   int   `json:"failed"`
	Bytes    int64 `json:"bytes"`
}

// Total returns the number of chunks not yet acknowledged by the server
func (s Stats) Total() int {
	return s.Pending + s.InFlight + s.Failed
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL,
	next_order  INTEGER NOT NULL DEFAULT 0,
	end_pending INTEGER NOT NULL DEFAULT 0,
	ended_at    INTEGER,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	session_id  TEXT NOT NULL,
	patient_id  TEXT NOT NULL,
	chunk_order INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	size        INTEGER NOT NULL,
	captured_at INTEGER NOT NULL,
	enveloped   INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (session_id, chunk_order)
);

CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);
`

// Open takes exclusive ownership of dir and opens the chunk database inside it.
// Chunks left in flight by a previous crash are returned to pending.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	db, err := sqlitex.Open(filepath.Join(dir, databaseFile))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	s := &Store{
		db:     db,
		lock:   lock,
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
	}

	ctx := context.Background()
	if _, err := sqlitex.Exec(ctx, db, schema); err != nil {
		s.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	if err := s.upgrade(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("upgrade local store schema: %w", err)
	}

	res, err := sqlitex.Exec(ctx, db,
		`UPDATE chunks SET status = ?, updated_at = ? WHERE status = ?`,
		recording.StatusPending, time.Now().UnixNano(), recording.StatusInFlight)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("recover in-flight chunks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Recovered chunks left in flight by previous run",
			slog.Int64("chunks", n),
		)
	}

	return s, nil
}

// upgrade adds columns introduced after a store directory was first created
func (s *Store) upgrade(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pragma_table_info('chunks') WHERE name = 'enveloped'`,
	).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	if _, err := sqlitex.Exec(ctx, s.db, `ALTER TABLE chunks ADD COLUMN enveloped INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	s.logger.Info("Added envelope column to local chunk store")
	return nil
}

// Close closes the database and releases the directory lock
func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

// EnsureSession registers a session so its order high-water mark survives restarts
func (s *Store) EnsureSession(ctx context.Context, key recording.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := sqlitex.Exec(ctx, s.db,
		`INSERT INTO sessions (session_id, patient_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		key.SessionID, key.PatientID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("register session %s: %w", key.SessionID, err)
	}
	return nil
}

// NextOrder returns the first order number never handed out for the session
func (s *Store) NextOrder(ctx context.Context, sessionID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT next_order FROM sessions WHERE session_id = ?`, sessionID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read next order for %s: %w", sessionID, err)
	}
	return next, nil
}

// Enqueue durably stores a freshly produced chunk as pending. It returns
// recording.ErrStoreFull when the configured byte bound would be exceeded.
func (s *Store) Enqueue(ctx context.Context, c recording.Chunk) error {
	if err := c.Key().Validate(); err != nil {
		return fmt.Errorf("enqueue chunk: %w", err)
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("enqueue chunk %s#%d: empty payload", c.SessionID, c.Order)
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	now := time.Now().UnixNano()
	capturedAt := sqlitex.Nanos(c.CapturedAt)
	if capturedAt == 0 {
		capturedAt = now
	}

	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if s.opts.MaxPendingBytes > 0 {
			var used int64
			if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM chunks`).Scan(&used); err != nil {
				return err
			}
			if used+int64(len(c.Payload)) > s.opts.MaxPendingBytes {
				return recording.ErrStoreFull
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (session_id, patient_id, chunk_order, payload, size, captured_at,
				enveloped, status, attempts, last_error, enqueued_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
			c.SessionID, c.PatientID, c.Order, c.Payload, len(c.Payload), capturedAt,
			c.Enveloped, recording.StatusPending, now, now); err != nil {
			if sqlitex.IsConstraint(err) {
				return fmt.Errorf("%w: %s#%d already queued", recording.ErrDuplicateChunk, c.SessionID, c.Order)
			}
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, patient_id, next_order, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET next_order = MAX(next_order, excluded.next_order)`,
			c.SessionID, c.PatientID, c.Order+1, now)
		return err
	})
	if err != nil {
		if errors.Is(err, recording.ErrStoreFull) || errors.Is(err, recording.ErrDuplicateChunk) {
			return err
		}
		return fmt.Errorf("enqueue chunk %s#%d: %w", c.SessionID, c.Order, err)
	}

	return nil
}

// MarkInFlight records that a delivery attempt is in progress
func (s *Store) MarkInFlight(ctx context.Context, sessionID string, order int64) error {
	return s.setStatus(ctx, sessionID, order, recording.StatusInFlight)
}

// MarkDelivered removes an acknowledged chunk from the queue
func (s *Store) MarkDelivered(ctx context.Context, sessionID string, order int64) error {
	res, err := sqlitex.Exec(ctx, s.db,
		`DELETE FROM chunks WHERE session_id = ? AND chunk_order = ?`, sessionID, order)
	if err != nil {
		return fmt.Errorf("mark %s#%d delivered: %w", sessionID, order, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark %s#%d delivered: %w", sessionID, order, recording.ErrChunkNotFound)
	}
	return nil
}

// MarkFailed records a failed attempt. The chunk returns to pending until it
// has failed MaxRetries times, after which it is marked failed. Failed chunks
// stay queued and are retried after the next reconnect.
func (s *Store) MarkFailed(ctx context.Context, sessionID string, order int64, cause error) (recording.Status, int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var (
		status   recording.Status
		attempts int
	)
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM chunks WHERE session_id = ? AND chunk_order = ?`,
			sessionID, order).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return recording.ErrChunkNotFound
			}
			return err
		}

		attempts++
		status = recording.StatusPending
		if attempts >= s.opts.MaxRetries {
			status = recording.StatusFailed
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE chunks SET status = ?, attempts = ?, last_error = ?, updated_at = ?
			 WHERE session_id = ? AND chunk_order = ?`,
			status, attempts, msg, time.Now().UnixNano(), sessionID, order)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("mark %s#%d failed: %w", sessionID, order, err)
	}

	return status, attempts, nil
}

// Discard drops a chunk without delivering it. Only an explicit operator
// action calls this.
func (s *Store) Discard(ctx context.Context, sessionID string, order int64) error {
	res, err := sqlitex.Exec(ctx, s.db,
		`DELETE FROM chunks WHERE session_id = ? AND chunk_order = ?`, sessionID, order)
	if err != nil {
		return fmt.Errorf("discard %s#%d: %w", sessionID, order, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("discard %s#%d: %w", sessionID, order, recording.ErrChunkNotFound)
	}

	s.logger.Warn("Discarded queued chunk",
		slog.String("session_id", sessionID),
		slog.Int64("order", order),
	)
	return nil
}

func (s *Store) setStatus(ctx context.Context, sessionID string, order int64, status recording.Status) error {
	res, err := sqlitex.Exec(ctx, s.db,
		`UPDATE chunks SET status = ?, updated_at = ? WHERE session_id = ? AND chunk_order = ?`,
		status, time.Now().UnixNano(), sessionID, order)
	if err != nil {
		return fmt.Errorf("set %s#%d %s: %w", sessionID, order, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set %s#%d %s: %w", sessionID, order, status, recording.ErrChunkNotFound)
	}
	return nil
}

// Pending returns every queued chunk of a session in ascending order,
// including failed chunks
func (s *Store) Pending(ctx context.Context, sessionID string) ([]recording.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, patient_id, chunk_order, payload, captured_at, enveloped, status, attempts, last_error
		 FROM chunks WHERE session_id = ? ORDER BY chunk_order ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending chunks for %s: %w", sessionID, err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// Entry is a queued chunk listed without its payload
type Entry struct {
	recording.Chunk
	Size int64 `json:"size"`
}

// List returns queued chunks of every session without payloads, ordered by
// session and order
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, patient_id, chunk_order, size, captured_at, status, attempts, last_error
		 FROM chunks ORDER BY session_id ASC, chunk_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			capturedAt sql.NullInt64
			status     string
		)
		if err := rows.Scan(&e.SessionID, &e.PatientID, &e.Order, &e.Size, &capturedAt, &status, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		e.CapturedAt = sqlitex.NanoTime(capturedAt)
		e.Status = recording.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanChunks(rows *sql.Rows) ([]recording.Chunk, error) {
	var chunks []recording.Chunk
	for rows.Next() {
		var (
			c          recording.Chunk
			capturedAt sql.NullInt64
			status     string
		)
		if err := rows.Scan(&c.SessionID, &c.PatientID, &c.Order, &c.Payload, &capturedAt, &c.Enveloped, &status, &c.Attempts, &c.LastError); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.CapturedAt = sqlitex.NanoTime(capturedAt)
		c.Status = recording.Status(status)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Sessions returns the sessions that still have queued chunks or an
// undelivered end marker, ordered by session id
func (s *Store) Sessions(ctx context.Context) ([]Backlog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.patient_id, s.end_pending,
			COUNT(c.chunk_order),
			COALESCE(SUM(CASE WHEN c.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(c.size), 0)
		FROM sessions s
		LEFT JOIN chunks c ON c.session_id = s.session_id
		GROUP BY s.session_id, s.patient_id, s.end_pending
		HAVING COUNT(c.chunk_order) > 0 OR s.end_pending = 1
		ORDER BY s.session_id ASC`, recording.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	defer rows.Close()

	var out []Backlog
	for rows.Next() {
		var (
			b          Backlog
			endPending int
		)
		if err := rows.Scan(&b.SessionID, &b.PatientID, &endPending, &b.Chunks, &b.Failed, &b.Bytes); err != nil {
			return nil, fmt.Errorf("scan backlog: %w", err)
		}
		b.EndPending = endPending == 1
		out = append(out, b)
	}
	return out, rows.Err()
}

// Stats counts queued chunks by status
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(size), 0) FROM chunks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("read store stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			status string
			count  int
			bytes  int64
		)
		if err := rows.Scan(&status, &count, &bytes); err != nil {
			return Stats{}, fmt.Errorf("scan store stats: %w", err)
		}
		st.Bytes += bytes
		switch recording.Status(status) {
		case recording.StatusPending:
			st.Pending = count
		case recording.StatusInFlight:
			st.InFlight = count
		case recording.StatusFailed:
			st.Failed = count
		}
	}
	return st, rows.Err()
}

// MarkEnded records that the session was stopped and its end must be
// announced once all of its chunks are delivered
func (s *Store) MarkEnded(ctx context.Context, key recording.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	_, err := sqlitex.Exec(ctx, s.db,
		`INSERT INTO sessions (session_id, patient_id, end_pending, ended_at, created_at) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET end_pending = 1, ended_at = excluded.ended_at`,
		key.SessionID, key.PatientID, now, now)
	if err != nil {
		return fmt.Errorf("mark %s ended: %w", key.SessionID, err)
	}
	return nil
}

// ClearEnded records that the server acknowledged the session end
func (s *Store) ClearEnded(ctx context.Context, sessionID string) error {
	_, err := sqlitex.Exec(ctx, s.db,
		`UPDATE sessions SET end_pending = 0 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear end marker for %s: %w", sessionID, err)
	}
	return nil
}

// EndPending reports whether the session has an unannounced end
func (s *Store) EndPending(ctx context.Context, sessionID string) (bool, error) {
	var pending int
	err := s.db.QueryRowContext(ctx,
		`SELECT end_pending FROM sessions WHERE session_id = ?`, sessionID).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read end marker for %s: %w", sessionID, err)
	}
	return pending == 1, nil
}
