package registry

import "context"

// Store defines the interface for registry entry storage.
type Store interface {
	// Create stores a new entry with Version set to 1.
	// Returns ErrExists if an entry with the same session id is present.
	Create(ctx context.Context, e *Entry) error

	// Get retrieves an entry by session id.
	// Returns nil if the entry is not found (not an error).
	Get(ctx context.Context, sessionID string) (*Entry, error)

	// Update replaces an existing entry with optimistic locking.
	// Returns ErrVersionConflict if e.Version does not match the stored version
	// and ErrNotFound if the entry does not exist.
	Update(ctx context.Context, e *Entry) error

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns every stored entry in no particular order.
	List(ctx context.Context) ([]Entry, error)

	// Close releases any resources held by the store.
	Close() error
}
