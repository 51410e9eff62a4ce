package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sqlitex"
)

const chunkColumns = `session_id, chunk_order, patient_id, client_order, digest, size,
	captured_at, received_at, origin, integrity_flag, enveloped`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner, withPayload bool) (StoredChunk, error) {
	var (
		c          StoredChunk
		origin     string
		flag       int
		enveloped  int
		capturedAt sql.NullInt64
		receivedAt sql.NullInt64
	)
	dest := []any{
		&c.SessionID, &c.Order, &c.PatientID, &c.ClientOrder, &c.Digest, &c.Size,
		&capturedAt, &receivedAt, &origin, &flag, &enveloped,
	}
	if withPayload {
		dest = append(dest, &c.Payload)
	}
	if err := row.Scan(dest...); err != nil {
		return StoredChunk{}, err
	}
	c.Origin = recording.Origin(origin)
	c.IntegrityFlag = flag != 0
	c.Enveloped = enveloped != 0
	c.CapturedAt = sqlitex.NanoTime(capturedAt)
	c.ReceivedAt = sqlitex.NanoTime(receivedAt)
	return c, nil
}

func scanChunks(rows *sql.Rows, withPayload bool) ([]StoredChunk, error) {
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		c, err := scanChunk(rows, withPayload)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of stored chunks of a session
func (s *Store) Count(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM chunks WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Totals returns the chunk count and payload bytes of a session from a single
// read, so both describe the same set of chunks
func (s *Store) Totals(ctx context.Context, sessionID string) (count, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(size), 0) FROM chunks WHERE session_id = ?`, sessionID,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("read chunk totals: %w", err)
	}
	return count, bytes, nil
}

// MissingOrders returns the orders between 0 and the highest stored order
// that hold no chunk, ascending. At most limit orders are returned when limit
// is positive.
func (s *Store) MissingOrders(ctx context.Context, sessionID string, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_order FROM chunks WHERE session_id = ? ORDER BY chunk_order`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk orders: %w", err)
	}
	defer rows.Close()

	missing := []int64{}
	var next int64
	for rows.Next() {
		var order int64
		if err := rows.Scan(&order); err != nil {
			return nil, fmt.Errorf("scan chunk order: %w", err)
		}
		for ; next < order; next++ {
			if limit > 0 && len(missing) == limit {
				return missing, nil
			}
			missing = append(missing, next)
		}
		next = order + 1
	}
	return missing, rows.Err()
}

// MaxOrder returns the highest stored order of a session. ok is false when the
// session has no chunks.
func (s *Store) MaxOrder(ctx context.Context, sessionID string) (order int64, ok bool, err error) {
	var maxOrder sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(chunk_order) FROM chunks WHERE session_id = ?`, sessionID,
	).Scan(&maxOrder)
	if err != nil {
		return 0, false, fmt.Errorf("read max order: %w", err)
	}
	return maxOrder.Int64, maxOrder.Valid, nil
}

// ListOrdered returns every chunk of a session with payloads, ascending by order
func (s *Store) ListOrdered(ctx context.Context, sessionID string) ([]StoredChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+`, payload FROM chunks WHERE session_id = ? ORDER BY chunk_order`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return scanChunks(rows, true)
}

// ListInfo returns chunk metadata without payloads, ascending by order
func (s *Store) ListInfo(ctx context.Context, sessionID string) ([]StoredChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE session_id = ? ORDER BY chunk_order`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk info: %w", err)
	}
	return scanChunks(rows, false)
}

// IterateOrdered visits the chunks of a session in ascending order, loading
// pageSize chunks per query so large sessions are never held in memory at
// once. Iteration stops at the first error returned by fn.
func (s *Store) IterateOrdered(ctx context.Context, sessionID string, pageSize int, fn func(StoredChunk) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	after := int64(-1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT `+chunkColumns+`, payload FROM chunks
			 WHERE session_id = ? AND chunk_order > ?
			 ORDER BY chunk_order LIMIT ?`,
			sessionID, after, pageSize,
		)
		if err != nil {
			return fmt.Errorf("page chunks: %w", err)
		}
		page, err := scanChunks(rows, true)
		if err != nil {
			return err
		}

		for _, c := range page {
			if err := fn(c); err != nil {
				return err
			}
			after = c.Order
		}

		if len(page) < pageSize {
			return nil
		}
	}
}

// Get returns one chunk with its payload
func (s *Store) Get(ctx context.Context, sessionID string, order int64) (*StoredChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+`, payload FROM chunks WHERE session_id = ? AND chunk_order = ?`,
		sessionID, order,
	)
	c, err := scanChunk(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", recording.ErrChunkNotFound, sessionID, order)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return &c, nil
}

// IntegrityAlarms returns the alarms recorded for a session, oldest first.
// An empty sessionID returns the alarms of every session.
func (s *Store) IntegrityAlarms(ctx context.Context, sessionID string) ([]IntegrityAlarm, error) {
	query := `SELECT id, session_id, chunk_order, previous_digest, new_digest,
		previous_size, new_size, origin, detected_at FROM integrity_alarms`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list integrity alarms: %w", err)
	}
	defer rows.Close()

	var out []IntegrityAlarm
	for rows.Next() {
		var (
			a          IntegrityAlarm
			origin     string
			detectedAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Order, &a.PreviousDigest, &a.NewDigest,
			&a.PreviousSize, &a.NewSize, &origin, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan integrity alarm: %w", err)
		}
		a.Origin = recording.Origin(origin)
		a.DetectedAt = sqlitex.NanoTime(detectedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
