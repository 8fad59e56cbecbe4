package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for store and lifecycle operations. Callers match
// with errors.Is; operations wrap them with context via fmt.Errorf.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an ID collision on create
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict indicates a compare-and-swap lost to a
	// concurrent update; retry with a fresh read
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflict indicates a request that lost an arbitration race,
	// e.g. a second writer attaching a single-writer volume
	ErrConflict = errors.New("conflict")

	// ErrVolumeInUse blocks volume release while any attachment is
	// not detached
	ErrVolumeInUse = errors.New("volume in use")

	// ErrVolumeNotBound indicates a snapshot or attach request against
	// a volume that is absent or not in the bound phase
	ErrVolumeNotBound = errors.New("volume not bound")

	// ErrSnapshotNotReady blocks cloning until the backend confirms
	// snapshot readiness
	ErrSnapshotNotReady = errors.New("snapshot not ready")

	// ErrSnapshotInUse blocks snapshot deletion while clone operations
	// referencing it are in flight
	ErrSnapshotInUse = errors.New("snapshot in use")

	// ErrCapacityExceeded indicates a claim violating its storage
	// class capacity policy
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// ValidationError describes a bad input spec. Never retried; surfaced
// to the caller immediately.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a ValidationError from a format string
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BackendError wraps a failure from a backend volume adapter, tagged
// with whether the operation is worth retrying.
type BackendError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("backend %s (%s): %v", e.Op, kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// RetryableBackend tags a backend failure as transient (timeout,
// overload). The reconciler retries these with backoff.
func RetryableBackend(op string, err error) error {
	return &BackendError{Op: op, Retryable: true, Err: err}
}

// PermanentBackend tags a backend failure as terminal (quota exhausted,
// invalid parameters). Never retried.
func PermanentBackend(op string, err error) error {
	return &BackendError{Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether the error should be retried with backoff.
// Context deadline expiry counts as retryable: the backend operation may
// have completed out-of-band and the retry is idempotent by token.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// IsConflict reports whether the error is a concurrency race that
// resolves by re-reading current state and retrying immediately.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsWait reports whether the error is a condition that clears on its
// own as other work completes: the entity should simply be revisited
// later without counting a failed attempt.
func IsWait(err error) bool {
	return errors.Is(err, ErrSnapshotNotReady) ||
		errors.Is(err, ErrVolumeInUse) ||
		errors.Is(err, ErrSnapshotInUse)
}

// IsNotFound reports whether the error is a missing-record lookup
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
