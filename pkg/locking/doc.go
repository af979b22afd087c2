// Package locking implements the resource lock manager of the graph kernel.
//
// Transactions serialize access to shared resources (nodes, relationships,
// tokens, schema elements, index entries) through shared and exclusive
// locks. A Manager owns one lock Table; every transaction obtains its own
// Client from the Manager and takes all of its locks through it.
//
// # Lock Table
//
// The table maps each (Type, ID) pair that is currently locked or waited on
// to a slot. Slots are created on first use and removed once they have no
// holders and no waiters. Each slot has its own mutex, so transactions
// working on unrelated resources never contend with each other.
//
// Compatibility:
//
//	            | held S | held X
//	request S   |   ok   |  wait
//	request X   |  wait  |  wait
//
// A client that already holds a slot re-enters without blocking when it asks
// for the same or a weaker mode. Asking for X while holding S is an upgrade:
// it is granted at once when the client is the only holder, otherwise it
// queues ahead of every non-holding waiter.
//
// Waiters are served in arrival order. A client that holds nothing on a slot
// never bypasses the queue, even when its request is compatible with the
// current holders. When the head of the queue is shared, every consecutive
// shared waiter is promoted together.
//
// # Deadlock Detection
//
// There is no watchdog. A client that is about to park enqueues its waiter,
// then walks the wait-for graph outward from itself: the holders of the slot
// it waits on and the clients queued ahead of it, then whatever those
// clients are parked on, and so on. Reaching itself again means its wait
// would close a cycle, so its request is cancelled with ErrDeadlockDetected
// and it never parks. Only that requester fails; the locks already granted
// never deadlock.
//
// # Termination
//
// Client.Stop marks the client stopped and wakes it immediately with
// ErrClientStopped if it is parked. Granted locks stay held until the owning
// transaction calls ReleaseAll or Close.
//
// Example:
//
//	mgr := locking.NewManager()
//	client := mgr.NewClient()
//	defer client.Close()
//
//	if err := client.AcquireExclusive(tracer, resource.Node, 17); err != nil {
//		if errors.Is(err, locking.ErrDeadlockDetected) {
//			// release everything and retry the transaction
//		}
//		return err
//	}
//
// ELI12:
//
// Think of every resource as a single bathroom key hanging on a hook. Many
// people can look at the bathroom schedule at the same time (shared), but
// only one person can hold the key (exclusive). If you have to wait, you
// join the line. Before you join the line you check: is the person holding
// the key standing in a line for something I already have? If following
// that chain of "who is waiting for whom" leads back to you, everyone would
// wait forever, so you step out instead.
package locking
