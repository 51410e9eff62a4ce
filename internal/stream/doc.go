// Package stream handles the server side of audio stream connections.
// A Conn applies client messages to the session registry and the chunk
// store and produces replies; the Manager tracks open connections, closes
// idle ones and finalizes the sessions a closed connection leaves behind.
package stream
