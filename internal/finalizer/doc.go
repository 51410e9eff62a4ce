// Package finalizer writes the durable session row once a recording ends or
// its connection goes away. Totals always come from chunk storage.
package finalizer
