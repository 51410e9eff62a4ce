package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sessionlock"
	"github.com/divij2510/MediNote-App-sub001/internal/sqlitex"
)

// DefaultPageSize is the number of chunks IterateOrdered loads per query
const DefaultPageSize = 64

// Store persists chunks, session rows and integrity alarms in SQLite.
type Store struct {
	db     *sql.DB
	path   string
	locks  *sessionlock.Locks
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the chunk database at path
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		path:   path,
		locks:  sessionlock.New(),
		logger: logger,
		now:    time.Now,
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Chunk persistence ready",
		slog.String("path", path),
		slog.Int("schema_version", schemaVersion),
	)
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func validateChunk(c recording.Chunk) error {
	if err := c.Key().Validate(); err != nil {
		return err
	}
	if c.Order < 0 {
		return fmt.Errorf("chunk order must not be negative, got %d", c.Order)
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("chunk %s/%d has an empty payload", c.SessionID, c.Order)
	}
	return nil
}

// Append stores a live chunk at its client-assigned order.
//
// A chunk whose (client order, digest) is already stored is a duplicate and
// nothing changes. When the order is taken by different content the new
// payload wins, the row is flagged and an integrity alarm is recorded.
func (s *Store) Append(ctx context.Context, c recording.Chunk) (AppendResult, error) {
	if err := validateChunk(c); err != nil {
		return AppendResult{}, err
	}

	digest := c.Digest()
	now := s.now()

	var (
		result AppendResult
		alarm  *IntegrityAlarm
	)
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		result = AppendResult{}
		alarm = nil

		order, found, err := findDuplicate(ctx, tx, c.SessionID, c.Order, digest)
		if err != nil {
			return err
		}
		if found {
			result = AppendResult{Order: order, Outcome: OutcomeDuplicate}
			return nil
		}

		var (
			prevDigest string
			prevSize   int
		)
		err = tx.QueryRowContext(ctx,
			`SELECT digest, size FROM chunks WHERE session_id = ? AND chunk_order = ?`,
			c.SessionID, c.Order,
		).Scan(&prevDigest, &prevSize)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := insertChunk(ctx, tx, c, c.Order, digest, recording.OriginLive, now); err != nil {
				return err
			}
			result = AppendResult{Order: c.Order, Outcome: OutcomeStored}
			return nil

		case err != nil:
			return fmt.Errorf("lookup chunk: %w", err)

		case prevDigest == digest:
			result = AppendResult{Order: c.Order, Outcome: OutcomeDuplicate}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks
			SET patient_id = ?, client_order = ?, digest = ?, size = ?, payload = ?,
			    captured_at = ?, received_at = ?, origin = ?, integrity_flag = 1, enveloped = ?
			WHERE session_id = ? AND chunk_order = ?`,
			c.PatientID, c.Order, digest, len(c.Payload), c.Payload,
			sqlitex.Nanos(c.CapturedAt), now.UnixNano(), string(recording.OriginLive), boolInt(c.Enveloped),
			c.SessionID, c.Order,
		); err != nil {
			return fmt.Errorf("replace chunk: %w", err)
		}

		alarm = &IntegrityAlarm{
			SessionID:      c.SessionID,
			Order:          c.Order,
			PreviousDigest: prevDigest,
			NewDigest:      digest,
			PreviousSize:   prevSize,
			NewSize:        len(c.Payload),
			Origin:         recording.OriginLive,
			DetectedAt:     now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO integrity_alarms
			    (session_id, chunk_order, previous_digest, new_digest, previous_size, new_size, origin, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			alarm.SessionID, alarm.Order, alarm.PreviousDigest, alarm.NewDigest,
			alarm.PreviousSize, alarm.NewSize, string(alarm.Origin), now.UnixNano(),
		); err != nil {
			return fmt.Errorf("record integrity alarm: %w", err)
		}

		result = AppendResult{Order: c.Order, Outcome: OutcomeReplaced}
		return nil
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append chunk %s/%d: %w", c.SessionID, c.Order, err)
	}

	if alarm != nil {
		s.logger.Error("Chunk order reused with different content, last write kept",
			slog.String("session_id", alarm.SessionID),
			slog.Int64("order", alarm.Order),
			slog.String("previous_digest", alarm.PreviousDigest),
			slog.String("new_digest", alarm.NewDigest),
			slog.Int("previous_size", alarm.PreviousSize),
			slog.Int("new_size", alarm.NewSize),
		)
	}

	return result, nil
}

// AppendNext stores a backfilled chunk after every chunk already stored for
// its session, regardless of the client's order. Redeliveries with the same
// (client order, digest) return the order assigned the first time.
func (s *Store) AppendNext(ctx context.Context, c recording.Chunk) (AppendResult, error) {
	if err := validateChunk(c); err != nil {
		return AppendResult{}, err
	}

	unlock := s.locks.Lock(c.SessionID)
	defer unlock()

	digest := c.Digest()
	now := s.now()

	var result AppendResult
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		order, found, err := findDuplicate(ctx, tx, c.SessionID, c.Order, digest)
		if err != nil {
			return err
		}
		if found {
			result = AppendResult{Order: order, Outcome: OutcomeDuplicate}
			return nil
		}

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(chunk_order), -1) + 1 FROM chunks WHERE session_id = ?`,
			c.SessionID,
		).Scan(&next); err != nil {
			return fmt.Errorf("read max order: %w", err)
		}

		if err := insertChunk(ctx, tx, c, next, digest, recording.OriginBackfill, now); err != nil {
			return err
		}
		result = AppendResult{Order: next, Outcome: OutcomeStored}
		return nil
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append backfill chunk %s/%d: %w", c.SessionID, c.Order, err)
	}

	return result, nil
}

func findDuplicate(ctx context.Context, tx *sql.Tx, sessionID string, clientOrder int64, digest string) (int64, bool, error) {
	var order int64
	err := tx.QueryRowContext(ctx,
		`SELECT chunk_order FROM chunks
		 WHERE session_id = ? AND client_order = ? AND digest = ?
		 ORDER BY chunk_order LIMIT 1`,
		sessionID, clientOrder, digest,
	).Scan(&order)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup duplicate: %w", err)
	}
	return order, true, nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, c recording.Chunk, order int64, digest string, origin recording.Origin, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunks
		    (session_id, chunk_order, patient_id, client_order, digest, size, payload,
		     captured_at, received_at, origin, integrity_flag, enveloped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		c.SessionID, order, c.PatientID, c.Order, digest, len(c.Payload), c.Payload,
		sqlitex.Nanos(c.CapturedAt), now.UnixNano(), string(origin), boolInt(c.Enveloped),
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}
