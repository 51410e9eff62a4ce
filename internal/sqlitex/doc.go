// Package sqlitex opens SQLite databases with the pragmas both chunk stores rely
// on and retries statements that hit a busy database.
package sqlitex
