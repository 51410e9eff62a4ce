// Package localstore implements the recording client's durable chunk queue on
// SQLite. Chunks are written before any delivery attempt, keep their delivery
// status and retry count, and are removed only once the server acknowledged them.
package localstore
