package recording

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery status of a chunk in the client-side store
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Origin tells how the server assigned the stored order of a chunk
type Origin string

const (
	// OriginLive chunks keep the order claimed by the client
	OriginLive Origin = "live"
	// OriginBackfill chunks are appended after everything already stored
	OriginBackfill Origin = "backfill"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// SessionKey identifies a recording session together with the patient it belongs to.
// The patient is always carried explicitly and never derived from the session id.
type SessionKey struct {
	PatientID string `json:"patient_id"`
	SessionID string `json:"session_id"`
}

// NewSessionKey generates a fresh, time-ordered session id for the given patient
func NewSessionKey(patientID string) (SessionKey, error) {
	if err := ValidatePatientID(patientID); err != nil {
		return SessionKey{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return SessionKey{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	return SessionKey{PatientID: patientID, SessionID: id.String()}, nil
}

// Validate checks both halves of the key
func (k SessionKey) Validate() error {
	if err := ValidateSessionID(k.SessionID); err != nil {
		return err
	}
	return ValidatePatientID(k.PatientID)
}

func (k SessionKey) String() string {
	return k.PatientID + "/" + k.SessionID
}

// ValidateSessionID checks that id is usable as a storage and transport key
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// ValidatePatientID checks that a patient id is present and well formed
func ValidatePatientID(id string) error {
	if id == "" {
		return fmt.Errorf("patient id cannot be empty")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid patient id %q", id)
	}
	return nil
}

// Chunk is one contiguous slice of captured audio
type Chunk struct {
	SessionID  string    `json:"session_id"`
	PatientID  string    `json:"patient_id"`
	Order      int64     `json:"order"`
	Payload    []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`

	// Enveloped is set when Payload is an audio envelope rather than raw PCM
	Enveloped bool `json:"enveloped,omitempty"`

	// Client-side delivery bookkeeping
	Status    Status `json:"status,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Key returns the session key the chunk belongs to
func (c *Chunk) Key() SessionKey {
	return SessionKey{PatientID: c.PatientID, SessionID: c.SessionID}
}

// Size returns the payload length in bytes
func (c *Chunk) Size() int {
	return len(c.Payload)
}

// Digest returns the hex SHA-256 of the payload. Two deliveries of the same
// chunk carry the same digest.
func (c *Chunk) Digest() string {
	return PayloadDigest(c.Payload)
}

// PayloadDigest returns the hex SHA-256 of a payload
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Session is the backend's record of a recording
type Session struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Complete    bool       `json:"complete"`
	TotalBytes  int64      `json:"total_bytes"`
	TotalChunks int64      `json:"total_chunks"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Key returns the session key
func (s *Session) Key() SessionKey {
	return SessionKey{PatientID: s.PatientID, SessionID: s.ID}
}

// Patient is the subset of the patient directory record the pipeline needs
type Patient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
