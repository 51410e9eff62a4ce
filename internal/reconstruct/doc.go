// Package reconstruct rebuilds a session's audio from stored chunks on demand.
// Reads are lazy and restartable: every stream starts again from the lowest
// stored order and pages through storage instead of loading the session.
package reconstruct
