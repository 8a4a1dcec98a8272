package domain

import "errors"

var (
	// ErrNotFound indicates no record exists for a unique id.
	ErrNotFound = errors.New("identity: record not found")
	// ErrConflict indicates the target entity id is already claimed by a
	// different unique id.
	ErrConflict = errors.New("identity: entity id conflict")
	// ErrAlreadyRegistered indicates a unique id was registered twice.
	ErrAlreadyRegistered = errors.New("identity: unique id already registered")
	// ErrStaleRename indicates the caller's old entity id no longer matches
	// the stored one.
	ErrStaleRename = errors.New("identity: stale rename")
)
