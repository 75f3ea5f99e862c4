package syncq

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Enqueue when a new key would exceed capacity.
	ErrQueueFull = errors.New("sync queue full")
	// ErrSyncExhausted marks an op that used up its retry budget.
	ErrSyncExhausted = errors.New("sync retries exhausted")
	// ErrUnknownOp is returned for op IDs the queue does not hold.
	ErrUnknownOp = errors.New("unknown sync op")
	// ErrPermanent marks a remote error that retrying cannot fix.
	ErrPermanent = errors.New("permanent sync failure")
)

// SyncError is a failed remote call for one op.
type SyncError struct {
	OpID      string
	Kind      OpKind
	Attempt   int
	Exhausted bool
	Err       error
}

func (e *SyncError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("sync %s %s: giving up after %d attempts: %v", e.Kind, e.OpID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("sync %s %s (attempt %d): %v", e.Kind, e.OpID, e.Attempt, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is reports ErrSyncExhausted for errors that moved the op to the failed list.
func (e *SyncError) Is(target error) bool {
	return target == ErrSyncExhausted && e.Exhausted
}

type permanentError struct{ err error }

func (e permanentError) Error() string        { return e.err.Error() }
func (e permanentError) Unwrap() error        { return e.err }
func (e permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent marks err as not worth retrying. Remote drivers use it for
// rejected payloads so the op goes straight to the failed list.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}
