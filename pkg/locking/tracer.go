package locking

import "github.com/orneryd/graphlock/pkg/resource"

// LockWaitEvent is an open wait started by WaitTracer.WaitForLock.
type LockWaitEvent interface {
	// Close ends the wait. It is called exactly once, whether the wait ended
	// in a grant, a deadlock rejection or a stop.
	Close()
}

// WaitTracer observes blocking lock waits.
//
// WaitForLock is called once a request that cannot be granted has been queued
// behind a conflicting holder or waiter, right before deadlock detection and
// parking. Requests that are granted without queueing produce no tracer calls
// at all. A queued request may still be promoted before it actually parks;
// its wait is then reported and closed immediately.
type WaitTracer interface {
	WaitForLock(mode Mode, typ resource.Type, clientID int64, ids ...resource.ID) LockWaitEvent
}

// NoopTracer ignores all waits.
var NoopTracer WaitTracer = noopTracer{}

type noopTracer struct{}

func (noopTracer) WaitForLock(Mode, resource.Type, int64, ...resource.ID) LockWaitEvent {
	return noopEvent{}
}

type noopEvent struct{}

func (noopEvent) Close() {}
