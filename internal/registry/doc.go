// Package registry tracks which sessions are live on which connection and
// whether they are active, paused or ended. Entries are kept in a pluggable
// Store with in-memory and Redis drivers.
package registry
