// Package sessionlock provides per-session mutual exclusion for state
// transitions and order assignment.
package sessionlock
