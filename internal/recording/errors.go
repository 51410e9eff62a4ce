package recording

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session has no stored chunks or no row
	ErrSessionNotFound = errors.New("session not found")

	// ErrPatientNotFound is returned by patient directories for unknown ids
	ErrPatientNotFound = errors.New("patient not found")

	// ErrDuplicateChunk marks a redelivery of a chunk that is already stored
	// with identical content. Callers treat it as success.
	ErrDuplicateChunk = errors.New("duplicate chunk")

	// ErrIntegrityConflict marks a redelivery of a (session, order) key with a
	// different payload than the one stored
	ErrIntegrityConflict = errors.New("integrity conflict")

	// ErrCorruptPayload is returned when a stored payload cannot be unwrapped
	ErrCorruptPayload = errors.New("corrupt chunk payload")

	// ErrStoreFull is returned when the local chunk store reached its configured bound
	ErrStoreFull = errors.New("local chunk store is full")

	// ErrChunkNotFound is returned when a specific chunk does not exist
	ErrChunkNotFound = errors.New("chunk not found")
)

// TransientDeliveryError wraps a network or server failure that is worth retrying
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

// TerminalDeliveryError is reported once a chunk exhausted its retry budget.
// The chunk stays in the local store and becomes eligible again on reconnect.
type TerminalDeliveryError struct {
	SessionID string
	Order     int64
	Attempts  int
	Err       error
}

func (e *TerminalDeliveryError) Error() string {
	return fmt.Sprintf("chunk %s#%d failed after %d attempts: %v", e.SessionID, e.Order, e.Attempts, e.Err)
}

func (e *TerminalDeliveryError) Unwrap() error {
	return e.Err
}

// CaptureError is a durability failure on the capture path. Capture must stop
// when it is raised.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var t *TransientDeliveryError
	return errors.As(err, &t)
}
