// Package server exposes the ingestion pipeline over HTTP: the audio stream
// WebSocket, the session REST API used for review and export, and
// monitoring endpoints including Prometheus metrics.
package server
