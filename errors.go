package jobsched

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across store implementations.
var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("job run not found")
	// ErrGroupNotFound is returned when a group ID does not exist.
	ErrGroupNotFound = errors.New("job group not found")
	// ErrReservationHeld is returned when a next-slot reservation is requested
	// while another reservation is still ACTIVE.
	ErrReservationHeld = errors.New("a next-slot reservation is already active")
	// ErrStoreClosed is returned by any operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")
	// ErrSchedulerStopped is returned when work is submitted to a scheduler
	// that is not running.
	ErrSchedulerStopped = errors.New("scheduler is not running")
	// ErrUnknownJobType is returned when a job type has no registered handler.
	ErrUnknownJobType = errors.New("no handler registered for job type")
)

// ValidationError indicates malformed input rejected before any state was
// created or modified.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidOperationError indicates an operation that would violate an
// immutability or state-machine invariant, e.g. editing the params of a job
// that already left QUEUED, or finishing a run twice.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s", e.Op, e.Reason)
}

func invalidOpErrorf(op, format string, args ...any) error {
	return &InvalidOperationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidOperation reports whether err is (or wraps) an
// InvalidOperationError.
func IsInvalidOperation(err error) bool {
	var ie *InvalidOperationError
	return errors.As(err, &ie)
}

// ErrSkipExecution is returned (or wrapped) by a WorkHandler to signal that
// the work was intentionally not performed. The run finishes as SKIPPED
// rather than FAILED and no retry is scheduled.
var ErrSkipExecution = errors.New("execution skipped")

// crashRecoveryError is the fixed error text stamped on runs synthesized for
// jobs orphaned by an unclean shutdown.
const crashRecoveryError = "crash recovery"
