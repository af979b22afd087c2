package locking

import (
	"errors"
	"fmt"
	"strings"
)

// Lock errors
var (
	// ErrDeadlockDetected is returned to the requester whose wait would close
	// a wait-for cycle. The transaction should release its locks and retry.
	ErrDeadlockDetected = errors.New("deadlock detected")

	// ErrClientStopped is returned to every blocked or new request of a
	// stopped client. The transaction must abort.
	ErrClientStopped = errors.New("lock client stopped")

	// ErrIllegalLockState reports a protocol violation by the caller, such
	// as releasing a lock that is not held or locking through a closed
	// client. It is never retryable.
	ErrIllegalLockState = errors.New("illegal lock state")
)

// DeadlockError describes a rejected wait.
type DeadlockError struct {
	// ClientID is the requester that would have closed the cycle.
	ClientID int64
	// Key and Mode describe the rejected request.
	Key  Key
	Mode Mode
	// Cycle lists client ids along the wait-for path, starting with the
	// requester. The last client waits for something the requester holds.
	Cycle []int64
}

func (e *DeadlockError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%v: client %d requesting %s lock on %s would wait in cycle [%s -> %d]",
		ErrDeadlockDetected, e.ClientID, e.Mode, e.Key, strings.Join(parts, " -> "), e.ClientID)
}

func (e *DeadlockError) Unwrap() error {
	return ErrDeadlockDetected
}

// IsRetryable reports whether the transaction that got err may retry after
// releasing its locks.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeadlockDetected)
}
