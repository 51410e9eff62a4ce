// Package audio handles the capture side of a recording: it accumulates PCM,
// cuts it into fixed-duration chunks with strictly increasing order numbers,
// wraps payloads in a versioned envelope and reads and writes WAV headers.
package audio
