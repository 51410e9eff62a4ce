package registry

import "errors"

// Common errors for registry operations.
var (
	ErrInvalidConfig    = errors.New("invalid registry configuration")
	ErrInvalidStoreType = errors.New("invalid registry store type")
	ErrVersionConflict  = errors.New("registry entry version conflict")
	ErrNotFound         = errors.New("registry entry not found")
	ErrExists           = errors.New("registry entry already exists")
	ErrNotAttached      = errors.New("session is not attached to this connection")
)
