package locking

import (
	"cmp"
	"fmt"

	"github.com/orneryd/graphlock/pkg/resource"
)

// Mode is the access mode of a lock.
type Mode uint8

const (
	// Shared locks are compatible with other shared locks.
	Shared Mode = iota + 1
	// Exclusive locks exclude every other holder.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "SHARED"
	case Exclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("MODE(%d)", uint8(m))
}

// Key addresses one lock slot.
type Key struct {
	Type resource.Type
	ID   resource.ID
}

func (k Key) String() string {
	return fmt.Sprintf("%s(%d)", k.Type, k.ID)
}

func compareKeys(a, b Key) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Outcome is the result of a single-slot acquisition attempt.
type Outcome uint8

const (
	// Granted means the lock is now held.
	Granted Outcome = iota
	// WouldBlock means the request conflicts with holders or earlier waiters.
	WouldBlock
	// WouldDeadlock means waiting would close a wait-for cycle.
	WouldDeadlock
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case WouldBlock:
		return "would_block"
	case WouldDeadlock:
		return "would_deadlock"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}
