package model

import "errors"

var (
	// ErrNotFound signals an expected missing document, collection, user or
	// session. It is recovered locally by callers, never treated as a fault.
	ErrNotFound = errors.New("not found")

	// ErrNotInitialized is returned by every storage operation invoked before
	// Initialize completes or after Cleanup.
	ErrNotInitialized = errors.New("storage strategy not initialized")

	// ErrInvalidFieldName is returned when a field or collection name fails
	// the allow-list check and therefore must not reach SQL text.
	ErrInvalidFieldName = errors.New("invalid field name")

	// ErrDuplicate is returned by backends enforcing a unique index when an
	// insert violates it.
	ErrDuplicate = errors.New("duplicate value")

	// ErrUnknownStorageType is returned by the factory for an unrecognized
	// backend tag.
	ErrUnknownStorageType = errors.New("unknown storage type")
)
