package vaultsession

import (
	"errors"
	"fmt"
)

var (
	// ErrSecretNotFound is matched by every NotFoundError.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidSessionState is matched by every StateError.
	ErrInvalidSessionState = errors.New("invalid session state")
)

// NotFoundError reports a secret missing from the vault, or a vault
// response for a name other than the one requested.
type NotFoundError struct {
	Name     string
	FullName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret not found: %s (%s)", e.Name, e.FullName)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrSecretNotFound
}

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: session is %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidSessionState
}

// CleanupAttachedError is a failed operation whose cleanup failed too. Err
// is the primary failure; Cleanup is supplementary detail. Both are
// reachable with errors.Is and errors.As.
type CleanupAttachedError struct {
	Err     error
	Cleanup error
}

func (e *CleanupAttachedError) Error() string {
	return fmt.Sprintf("%v (cleanup also failed: %v)", e.Err, e.Cleanup)
}

func (e *CleanupAttachedError) Unwrap() []error {
	return []error{e.Err, e.Cleanup}
}

// cleanupOnlyError is returned by With when the work succeeded but the
// session could not be cleaned up.
type cleanupOnlyError struct {
	err error
}

func (e *cleanupOnlyError) Error() string {
	return "session cleanup failed: " + e.err.Error()
}

func (e *cleanupOnlyError) Unwrap() error {
	return e.err
}

// IsCleanupOnly reports whether err is a cleanup failure that followed a
// successful operation. Callers usually log it as a warning.
func IsCleanupOnly(err error) bool {
	var c *cleanupOnlyError
	return errors.As(err, &c)
}

func attachCleanup(primary, cleanup error) error {
	if cleanup == nil {
		return primary
	}
	return &CleanupAttachedError{Err: primary, Cleanup: cleanup}
}
