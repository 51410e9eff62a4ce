package supabase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/supabase-community/postgrest-go"
	storage "github.com/supabase-community/storage-go"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// GetPatient retrieves a patient by id. Unknown ids yield recording.ErrPatientNotFound.
func (c *Client) GetPatient(ctx context.Context, patientID string) (*recording.Patient, error) {
	if cached := c.getCachedPatient(patientID); cached != nil {
		return cached, nil
	}

	var patients []recording.Patient
	_, err := c.client.From(c.config.PatientsTable).
		Select("id,name", "", false).
		Eq("id", patientID).
		ExecuteTo(&patients)
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}

	if len(patients) == 0 {
		return nil, fmt.Errorf("%w: %s", recording.ErrPatientNotFound, patientID)
	}

	patient := &patients[0]
	c.cachePatient(patient)

	return patient, nil
}

// GetSession retrieves a session row or recording.ErrSessionNotFound
func (c *Client) GetSession(ctx context.Context, sessionID string) (*recording.Session, error) {
	var sessions []recording.Session
	_, err := c.client.From(c.config.SessionsTable).
		Select("*", "", false).
		Eq("id", sessionID).
		ExecuteTo(&sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", recording.ErrSessionNotFound, sessionID)
	}

	return &sessions[0], nil
}

// UpsertSession writes a session row, replacing any previous version
func (c *Client) UpsertSession(ctx context.Context, sess recording.Session) error {
	if err := sess.Key().Validate(); err != nil {
		return err
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = c.now().UTC()
	}

	_, _, err := c.client.From(c.config.SessionsTable).
		Upsert(sess, "id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// ListSessionsByPatient retrieves a patient's sessions, most recent first
func (c *Client) ListSessionsByPatient(ctx context.Context, patientID string) ([]recording.Session, error) {
	var sessions []recording.Session
	_, err := c.client.From(c.config.SessionsTable).
		Select("*", "", false).
		Eq("patient_id", patientID).
		Order("started_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by patient_id: %w", err)
	}

	return sessions, nil
}

// ArchivePath returns the object path a chunk is archived under
func ArchivePath(c recording.Chunk, storedOrder int64) string {
	return path.Join(c.PatientID, c.SessionID, fmt.Sprintf("%08d.chunk", storedOrder))
}

// Archive uploads an accepted chunk payload to the archive bucket. An existing
// object at the same path is overwritten.
func (c *Client) Archive(ctx context.Context, chunk recording.Chunk, storedOrder int64) error {
	if c.config.ArchiveBucket == "" {
		return fmt.Errorf("archive bucket is not configured")
	}

	objectPath := ArchivePath(chunk, storedOrder)
	upsert := true
	contentType := "application/octet-stream"

	_, err := c.client.Storage.UploadFile(c.config.ArchiveBucket, objectPath, bytes.NewReader(chunk.Payload), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", objectPath, err)
	}

	c.logger.Debug("Chunk archived",
		slog.String("bucket", c.config.ArchiveBucket),
		slog.String("path", objectPath),
		slog.Int("size", len(chunk.Payload)),
	)
	return nil
}
