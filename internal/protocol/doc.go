// Package protocol implements the JSON message union exchanged over the audio
// stream connection. It decodes and validates client messages (session control
// and audio chunks) and builds the server's replies and acknowledgements.
package protocol
