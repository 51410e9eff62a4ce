// Package persistence is the server's durable chunk and session store. Chunks
// are keyed by (session, order); redeliveries are deduplicated by content
// digest and backfilled chunks are appended after everything already stored.
package persistence
