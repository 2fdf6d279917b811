// Package persistence defines the boundary to the object-persistence layer.
//
// The engines never store objects themselves; they only need to load an
// instance by scope and identifier, read its fields, and enumerate the
// canonical set of identifiers for a scope.
package persistence

import (
	"context"
	"errors"
)

// ErrNotFound if no instance exists under the requested identifier.
var ErrNotFound = errors.New("instance not found")

// Instance is one loaded object.
type Instance interface {
	// Identifier returns the instance's stable identifier.
	Identifier() string

	// Field returns the named field value; the bool reports presence.
	Field(name string) (string, bool)
}

// Loader resolves instances and enumerates scopes.
type Loader interface {
	// Load returns the instance of scope with the given identifier.
	// If none exists, it must return ErrNotFound.
	Load(ctx context.Context, scope, id string) (Instance, error)

	// AllIDs enumerates the canonical "all instances" collection for scope.
	// A scope with no instances yields an empty slice, not an error.
	AllIDs(ctx context.Context, scope string) ([]string, error)
}
