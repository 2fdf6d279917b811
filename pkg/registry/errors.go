package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDescriptor if a descriptor fails declaration-time validation.
	ErrInvalidDescriptor = errors.New("invalid relationship descriptor")

	// ErrUnresolvedTarget if a relationship references a scope that was never
	// registered.
	ErrUnresolvedTarget = errors.New("unresolved relationship target")
)

// UnresolvedTargetError reports the offending reference alongside the scopes
// that are registered, since the usual cause is a declaration-order mistake.
type UnresolvedTargetError struct {
	Reference string
	Known     []string
}

func (e *UnresolvedTargetError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unresolved relationship target %q: no scopes registered", e.Reference)
	}
	return fmt.Sprintf("unresolved relationship target %q: known scopes are [%s]",
		e.Reference, strings.Join(e.Known, ", "))
}

func (e *UnresolvedTargetError) Unwrap() error {
	return ErrUnresolvedTarget
}
