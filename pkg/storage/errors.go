package storage

import (
	"errors"
	"fmt"
)

var (
	// Read errors

	// ErrNotFound if a key or member that must exist is absent.
	ErrNotFound = errors.New("not found")

	// Write errors

	// ErrWrongKind if an operation is applied to a key holding a different
	// primitive, e.g. a sorted-set add against a key holding a hash.
	ErrWrongKind = errors.New("operation against a key holding the wrong kind of value")

	// ErrTransactionalWriteFailed if a batch could not be applied atomically
	// due to a conflicting concurrent write.
	ErrTransactionalWriteFailed = errors.New("transactional write failed due to conflict")

	// ErrUnknownOpCode if a batch contains an op the backend does not
	// recognize. Always a programming error.
	ErrUnknownOpCode = errors.New("unknown batch op code")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
)

// WrongKindError decorates ErrWrongKind with the key and the kinds involved.
func WrongKindError(key, want, got string) error {
	return fmt.Errorf("key %q holds %s, want %s: %w", key, got, want, ErrWrongKind)
}
