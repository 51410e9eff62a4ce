// Package delivery moves chunks from the client's local store to the
// ingestion server over a persistent WebSocket link.
//
// Delivery is at-least-once and order preserving per session: chunks of one
// session are sent strictly in ascending order and a chunk is removed from
// the local store only after the server acknowledged it. Every new link
// starts by draining the whole local backlog before anything produced later.
package delivery
