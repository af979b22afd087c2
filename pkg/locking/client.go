package locking

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/orneryd/graphlock/pkg/resource"
)

// ClientState is the liveness state of a Client.
type ClientState int32

const (
	// ClientActive clients may acquire locks.
	ClientActive ClientState = iota
	// ClientStopped clients fail every pending and new acquisition.
	ClientStopped
	// ClientClosed clients have released everything and are retired.
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientActive:
		return "active"
	case ClientStopped:
		return "stopped"
	case ClientClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// errStoppedNoReason is the reason recorded when Stop is called with nil.
var errStoppedNoReason = errors.New("terminated")

// heldLock is one entry of a client's held set. Counts live in the slot.
type heldLock struct {
	key  Key
	slot *lockSlot
}

// HeldLock describes a lock held by a client.
type HeldLock struct {
	Key       Key
	Shared    int
	Exclusive int
}

// Client is the per-transaction lock facade.
//
// A Client is owned by one goroutine: acquire, release and ReleaseAll must
// be called from the transaction that owns it. Stop may be called from any
// goroutine, and so may State, StopReason, ID and LockCount.
type Client struct {
	id      int64
	table   *Table
	manager *Manager

	state atomic.Int32

	// mu orders Stop against wait installation.
	mu     sync.Mutex
	reason error

	waiting atomic.Pointer[waiter]

	held *btree.BTreeG[heldLock]
	// lockCount mirrors held.Len for readers outside the owning goroutine.
	lockCount atomic.Int64
}

func newClient(id int64, m *Manager) *Client {
	return &Client{
		id:      id,
		table:   m.table,
		manager: m,
		held:    newHeldSet(),
	}
}

func newHeldSet() *btree.BTreeG[heldLock] {
	return btree.NewBTreeG(func(a, b heldLock) bool {
		return compareKeys(a.key, b.key) < 0
	})
}

// ID returns the client id, unique within its Manager.
func (c *Client) ID() int64 {
	return c.id
}

// State returns the current liveness state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// StopReason returns the reason passed to Stop, or nil.
func (c *Client) StopReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// AcquireShared takes shared locks on ids of type typ, blocking as needed.
//
// The ids are locked one at a time in ascending order. If any of them fails,
// the locks taken earlier in this call are released before the error is
// returned, so the call either takes every lock or none.
//
// Returns an error wrapping ErrDeadlockDetected, ErrClientStopped or
// ErrIllegalLockState.
func (c *Client) AcquireShared(tracer WaitTracer, typ resource.Type, ids ...resource.ID) error {
	return c.acquireAll(tracer, Shared, typ, ids)
}

// AcquireExclusive takes exclusive locks on ids of type typ, blocking as
// needed. Holding a shared lock on one of the ids turns the request into an
// upgrade. See AcquireShared for ordering and failure behavior.
//
// Example:
//
//	// Two writers touching the same nodes always lock 3 before 9,
//	// regardless of argument order.
//	err := client.AcquireExclusive(tracer, resource.Node, 9, 3)
//	switch {
//	case errors.Is(err, locking.ErrDeadlockDetected):
//		client.ReleaseAll()
//		// retry the transaction
//	case errors.Is(err, locking.ErrClientStopped):
//		// abort
//	}
func (c *Client) AcquireExclusive(tracer WaitTracer, typ resource.Type, ids ...resource.ID) error {
	return c.acquireAll(tracer, Exclusive, typ, ids)
}

// TrySharedLock takes a shared lock only if that is possible without
// waiting.
func (c *Client) TrySharedLock(typ resource.Type, id resource.ID) (bool, error) {
	return c.tryLock(Shared, Key{Type: typ, ID: id})
}

// TryExclusiveLock takes an exclusive lock only if that is possible without
// waiting.
func (c *Client) TryExclusiveLock(typ resource.Type, id resource.ID) (bool, error) {
	return c.tryLock(Exclusive, Key{Type: typ, ID: id})
}

// ReleaseShared releases one shared count on each id. Releasing a lock that
// is not held returns an error wrapping ErrIllegalLockState.
func (c *Client) ReleaseShared(typ resource.Type, ids ...resource.ID) error {
	return c.release(Shared, typ, ids)
}

// ReleaseExclusive releases one exclusive count on each id. Releasing a lock
// that is not held returns an error wrapping ErrIllegalLockState.
func (c *Client) ReleaseExclusive(typ resource.Type, ids ...resource.ID) error {
	return c.release(Exclusive, typ, ids)
}

// Stop marks the client stopped. A goroutine parked in an acquire call is
// woken at once with ErrClientStopped; later acquisitions fail the same way.
// Locks already granted stay held until ReleaseAll or Close. Stopping a
// client that is not active does nothing.
func (c *Client) Stop(reason error) {
	if reason == nil {
		reason = errStoppedNoReason
	}

	c.mu.Lock()
	if c.State() != ClientActive {
		c.mu.Unlock()
		return
	}
	c.reason = reason
	c.state.Store(int32(ClientStopped))
	w := c.waiting.Load()
	c.mu.Unlock()

	woke := false
	if w != nil {
		woke = c.table.cancel(w, c.stoppedError())
	}
	c.manager.clientStopped(c, reason, woke)
}

// ReleaseAll releases every lock the client holds, whatever the counts.
func (c *Client) ReleaseAll() {
	var entries []heldLock
	c.held.Scan(func(h heldLock) bool {
		entries = append(entries, h)
		return true
	})
	for _, h := range entries {
		c.table.releaseAll(c, h.slot)
	}
	c.held = newHeldSet()
	c.lockCount.Store(0)
}

// Close releases everything and retires the client. Further acquisitions
// return ErrIllegalLockState. Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.State() == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(ClientClosed))
	w := c.waiting.Load()
	c.mu.Unlock()

	if w != nil {
		c.table.cancel(w, c.closedError())
	}
	c.ReleaseAll()
	c.manager.forget(c)
}

// Holds reports whether the client holds typ/id in at least mode. An
// exclusive lock satisfies a shared query.
func (c *Client) Holds(typ resource.Type, id resource.ID, mode Mode) bool {
	h, ok := c.held.Get(heldLock{key: Key{Type: typ, ID: id}})
	if !ok {
		return false
	}
	shared, exclusive := c.table.counts(c, h.slot)
	if mode == Exclusive {
		return exclusive > 0
	}
	return shared > 0 || exclusive > 0
}

// HeldLocks returns the held locks ordered by type and id.
func (c *Client) HeldLocks() []HeldLock {
	var out []HeldLock
	c.held.Scan(func(h heldLock) bool {
		shared, exclusive := c.table.counts(c, h.slot)
		out = append(out, HeldLock{Key: h.key, Shared: shared, Exclusive: exclusive})
		return true
	})
	return out
}

// LockCount returns the number of distinct resources held. Unlike Holds and
// HeldLocks it is safe to call from any goroutine.
func (c *Client) LockCount() int {
	return int(c.lockCount.Load())
}

func (c *Client) String() string {
	return fmt.Sprintf("Client{id: %d, state: %s, locks: %d}", c.id, c.State(), c.LockCount())
}

func (c *Client) acquireAll(tracer WaitTracer, mode Mode, typ resource.Type, ids []resource.ID) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: invalid resource type %s", ErrIllegalLockState, typ)
	}
	if tracer == nil {
		tracer = NoopTracer
	}

	ordered := ids
	if !slices.IsSorted(ids) {
		ordered = slices.Clone(ids)
		slices.Sort(ordered)
	}

	for i, id := range ordered {
		if err := c.acquire(tracer, mode, Key{Type: typ, ID: id}); err != nil {
			c.undo(mode, typ, ordered[:i])
			return err
		}
	}
	return nil
}

func (c *Client) acquire(tracer WaitTracer, mode Mode, key Key) error {
	if err := c.checkActive(); err != nil {
		return err
	}

	if s, outcome := c.table.tryAcquire(c, key, mode); outcome == Granted {
		c.remember(key, s)
		return nil
	}

	var event LockWaitEvent
	defer func() {
		if event != nil {
			event.Close()
		}
	}()

	s, err := c.table.acquire(c, key, mode, func() {
		event = tracer.WaitForLock(mode, key.Type, c.id, key.ID)
	})
	if err != nil {
		var deadlock *DeadlockError
		if errors.As(err, &deadlock) {
			c.manager.deadlockDetected(deadlock)
		}
		return err
	}
	c.remember(key, s)
	return nil
}

func (c *Client) tryLock(mode Mode, key Key) (bool, error) {
	if !key.Type.Valid() {
		return false, fmt.Errorf("%w: invalid resource type %s", ErrIllegalLockState, key.Type)
	}
	if err := c.checkActive(); err != nil {
		return false, err
	}
	s, outcome := c.table.tryAcquire(c, key, mode)
	if outcome != Granted {
		return false, nil
	}
	c.remember(key, s)
	return true, nil
}

func (c *Client) release(mode Mode, typ resource.Type, ids []resource.ID) error {
	var errs []error
	for _, id := range ids {
		if err := c.releaseOne(mode, Key{Type: typ, ID: id}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) releaseOne(mode Mode, key Key) error {
	h, ok := c.held.Get(heldLock{key: key})
	if !ok {
		return fmt.Errorf("%w: client %d releasing %s lock on %s it does not hold", ErrIllegalLockState, c.id, mode, key)
	}
	stillHeld, err := c.table.release(c, h.slot, mode)
	if err != nil {
		return err
	}
	if !stillHeld {
		c.held.Delete(h)
		c.lockCount.Add(-1)
	}
	return nil
}

// undo releases locks taken earlier in a failed batch.
func (c *Client) undo(mode Mode, typ resource.Type, ids []resource.ID) {
	for _, id := range ids {
		_ = c.releaseOne(mode, Key{Type: typ, ID: id})
	}
}

func (c *Client) remember(key Key, s *lockSlot) {
	if _, ok := c.held.Get(heldLock{key: key}); !ok {
		c.held.Set(heldLock{key: key, slot: s})
		c.lockCount.Add(1)
	}
}

func (c *Client) checkActive() error {
	switch c.State() {
	case ClientActive:
		return nil
	case ClientStopped:
		return c.stoppedError()
	default:
		return c.closedError()
	}
}

// beginWait publishes w as the client's current wait. It fails if the client
// was stopped or closed, which guarantees Stop either sees the wait or the
// waiter sees the stop.
func (c *Client) beginWait(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(); err != nil {
		return err
	}
	c.waiting.Store(w)
	return nil
}

func (c *Client) endWait(w *waiter) {
	c.waiting.CompareAndSwap(w, nil)
}

func (c *Client) stoppedError() error {
	reason := c.reasonLocked()
	return fmt.Errorf("%w: client %d: %w", ErrClientStopped, c.id, reason)
}

func (c *Client) closedError() error {
	return fmt.Errorf("%w: client %d is closed", ErrIllegalLockState, c.id)
}

// reasonLocked reads reason without taking mu when the caller already holds
// it. reason is written once, before the state leaves ClientActive, so a
// reader that observed a non-active state sees it.
func (c *Client) reasonLocked() error {
	if c.reason == nil {
		return errStoppedNoReason
	}
	return c.reason
}
