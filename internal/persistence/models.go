package persistence

import (
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// Outcome describes what an append did
type Outcome int

const (
	// OutcomeStored means a new chunk was written
	OutcomeStored Outcome = iota
	// OutcomeDuplicate means an identical chunk was already stored; nothing changed
	OutcomeDuplicate
	// OutcomeReplaced means the order was already taken by different content
	// and the new payload overwrote it. An integrity alarm was recorded.
	OutcomeReplaced
)

// String returns the outcome name used in logs and metrics
func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// AppendResult reports where a chunk ended up
type AppendResult struct {
	Order   int64
	Outcome Outcome
}

// StoredChunk is a persisted chunk. Payload is nil when listed without content.
type StoredChunk struct {
	SessionID     string           `json:"session_id"`
	PatientID     string           `json:"patient_id"`
	Order         int64            `json:"order"`
	ClientOrder   int64            `json:"client_order"`
	Digest        string           `json:"digest"`
	Size          int              `json:"size"`
	Payload       []byte           `json:"-"`
	CapturedAt    time.Time        `json:"captured_at"`
	ReceivedAt    time.Time        `json:"received_at"`
	Origin        recording.Origin `json:"origin"`
	IntegrityFlag bool             `json:"integrity_flag"`
	Enveloped     bool             `json:"enveloped"`
}

// Chunk returns the stored chunk in the shared model at its stored order
func (c StoredChunk) Chunk() recording.Chunk {
	return recording.Chunk{
		SessionID:  c.SessionID,
		PatientID:  c.PatientID,
		Order:      c.Order,
		Payload:    c.Payload,
		CapturedAt: c.CapturedAt,
		Enveloped:  c.Enveloped,
	}
}

// IntegrityAlarm records a chunk order whose payload was replaced by
// different content
type IntegrityAlarm struct {
	ID             int64            `json:"id"`
	SessionID      string           `json:"session_id"`
	Order          int64            `json:"order"`
	PreviousDigest string           `json:"previous_digest"`
	NewDigest      string           `json:"new_digest"`
	PreviousSize   int              `json:"previous_size"`
	NewSize        int              `json:"new_size"`
	Origin         recording.Origin `json:"origin"`
	DetectedAt     time.Time        `json:"detected_at"`
}
