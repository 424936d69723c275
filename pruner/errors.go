package pruner

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for invalid parameters. It is fatal and raised before any
	// mutation of the store.
	ErrConfiguration = errors.New("gc: configuration error")
	// ErrStoreIO wraps failures of the underlying node store. Phases failing with it are retried.
	ErrStoreIO = errors.New("gc: storage error")
	// ErrDecode marks nodes whose bytes could not be decoded. Traversals treat them as dead ends.
	ErrDecode = errors.New("gc: decode error")
	// ErrConsistency is returned when persisted GC state no longer matches the chain.
	ErrConsistency = errors.New("gc: consistency error")
	// ErrTimeout is returned when a phase or recovery step runs out of time.
	ErrTimeout = errors.New("gc: timeout")
	// ErrLockContention is returned when another cycle holds the snapshot lock.
	ErrLockContention = errors.New("gc: snapshot lock contention")

	ErrConfirmationRequired = errors.New("gc: interactive confirmation required")
	ErrCancelledByUser      = errors.New("gc: cancelled by user")
)

// PhaseError is returned once a phase exhausted its retries.
type PhaseError struct {
	Phase    PrunePhase
	Attempts int
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("gc: phase %s failed after %d attempt(s): %v", e.Phase, e.Attempts, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// isFatal reports errors that retrying cannot fix.
func isFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrCancelledByUser) ||
		errors.Is(err, ErrConfirmationRequired)
}
