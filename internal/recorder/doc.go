// Package recorder holds the client-side recording state machine. It ties the
// capture source, the chunk producer, the local store and the delivery client
// together so that capture never waits on the network.
package recorder
