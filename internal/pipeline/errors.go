package pipeline

import (
	"errors"
	"fmt"
)

// ErrConflict signals an optimistic version mismatch: another actor mutated
// the entity since it was claimed. Callers abandon the unit of work silently;
// the entity will be reclaimed.
var ErrConflict = errors.New("entity version conflict")

// ErrSessionInvalid signals that the shared browsing session lost its
// authentication mid-operation. It is never charged against an entity's
// retry budget.
var ErrSessionInvalid = errors.New("session invalidated")

// TransientError wraps recoverable collection failures (network, timeout,
// interception miss). The entity is retried up to its stage budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf wraps a formatted message as a TransientError.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is a recoverable collection failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentError wraps failures that no retry can repair, such as an entity
// that no longer resolves upstream. The entity fails terminally at once.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf wraps a formatted message as a PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is an unrecoverable collection failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// FatalAuthError is raised when login itself fails past its attempt budget.
// It halts the whole pipeline and is surfaced to the operator.
type FatalAuthError struct {
	Attempts int
	Err      error
}

func (e *FatalAuthError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FatalAuthError) Unwrap() error { return e.Err }
