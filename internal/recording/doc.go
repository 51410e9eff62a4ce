// Package recording defines the session and chunk model shared by the capture
// client and the ingestion server, together with the error taxonomy used across
// delivery, persistence and reconstruction.
package recording
