package domain

import "context"

// Directory adapts the host platform's persistent identity directory. It is
// the only component permitted to mutate external identity state; everything
// else in the engine is pure or read-only.
//
// Rename moves the entity's registration and its statistics association as
// one atomic operation: a failed rename leaves both untouched. Implementations
// return ErrConflict when the target entity id is claimed by a different
// unique id, ErrStaleRename when oldEntityID no longer matches, and wrap
// transport failures as plain errors for retry.
type Directory interface {
	// Lookup returns the record for a unique id, or ErrNotFound.
	Lookup(ctx context.Context, uniqueID string) (Record, error)
	// List returns every record whose unique id carries the given namespace
	// prefix, sorted by unique id.
	List(ctx context.Context, prefix string) ([]Record, error)
	// Register creates a record at first discovery. The unique id set is
	// append-only; re-registering returns ErrAlreadyRegistered.
	Register(ctx context.Context, record Record) error
	// Rename atomically moves uniqueID from oldEntityID to newEntityID.
	Rename(ctx context.Context, uniqueID, oldEntityID, newEntityID string) error
	// IsUserOverridden reports whether the last change to this identity was
	// human-initiated.
	IsUserOverridden(ctx context.Context, uniqueID string) (bool, error)
	// SetUserOverride sets or clears the override latch out-of-band.
	SetUserOverride(ctx context.Context, uniqueID string, overridden bool) error
}
