// Package metrics defines the Prometheus metrics exported by the ingestion server.
package metrics
