package locking

import (
	"slices"
	"sync"
)

// Table holds the lock state of every resource currently locked or waited
// on. Slots live in a concurrent map and each is guarded by its own mutex;
// no table-wide lock is taken to grant or release.
//
// Slots are created lazily and retired as soon as they become empty. A
// retired slot is flagged under its own mutex before it is removed from the
// map, and lookups that observe a retired slot retry, so all callers agree
// on a single live slot per key.
type Table struct {
	slots sync.Map // Key -> *lockSlot

	// latch serializes wait installation with cycle search. It is only
	// taken by requests that are about to park.
	latch sync.Mutex
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{}
}

// lockSlot returns the live slot for key with its mutex held, creating the
// slot if needed.
func (t *Table) lockSlot(key Key) *lockSlot {
	for {
		v, ok := t.slots.Load(key)
		if !ok {
			v, _ = t.slots.LoadOrStore(key, newLockSlot(key))
		}
		s := v.(*lockSlot)
		s.mu.Lock()
		if !s.retired {
			return s
		}
		s.mu.Unlock()
	}
}

// unlockSlot retires s if it became empty and releases its mutex.
func (t *Table) unlockSlot(s *lockSlot) {
	if !s.retired && s.empty() {
		s.retired = true
		t.slots.CompareAndDelete(s.key, s)
	}
	s.mu.Unlock()
}

// tryAcquire attempts a nonblocking grant. It never parks.
func (t *Table) tryAcquire(c *Client, key Key, mode Mode) (*lockSlot, Outcome) {
	s := t.lockSlot(key)
	defer t.unlockSlot(s)

	if s.tryGrant(c, mode) {
		return s, Granted
	}
	return nil, WouldBlock
}

// acquire grants mode on key to c, parking the calling goroutine until the
// lock is granted, the wait is rejected as a deadlock, or c is stopped.
// queued runs once the request is in the slot's queue, before the goroutine
// parks.
//
// The slot is re-checked and the waiter queued under the slot mutex alone.
// The latch covers only publishing the wait and the cycle search.
func (t *Table) acquire(c *Client, key Key, mode Mode, queued func()) (*lockSlot, error) {
	s := t.lockSlot(key)
	if s.tryGrant(c, mode) {
		t.unlockSlot(s)
		return s, nil
	}
	w := s.newWaiter(c, mode)
	s.enqueue(w)
	s.mu.Unlock()

	queued()

	t.latch.Lock()
	if err := c.beginWait(w); err != nil {
		t.latch.Unlock()
		return t.abandon(w, err)
	}
	if cycle := findCycle(c, w); cycle != nil {
		t.latch.Unlock()
		c.endWait(w)
		return t.abandon(w, &DeadlockError{ClientID: c.id, Key: key, Mode: mode, Cycle: cycle})
	}
	t.latch.Unlock()

	<-w.done
	c.endWait(w)
	if w.err != nil {
		return nil, w.err
	}
	return s, nil
}

// abandon withdraws w with err. If w already left the queue its own outcome
// stands: a promotion is kept, and a cancellation made first (by Stop) is
// returned instead of err.
func (t *Table) abandon(w *waiter, err error) (*lockSlot, error) {
	if t.cancel(w, err) {
		return nil, err
	}
	<-w.done
	if w.err != nil {
		return nil, w.err
	}
	return w.slot, nil
}

// cancel removes w from its slot if it is still pending.
func (t *Table) cancel(w *waiter, err error) bool {
	s := w.slot
	s.mu.Lock()
	defer t.unlockSlot(s)
	return s.cancel(w, err)
}

func (t *Table) release(c *Client, s *lockSlot, mode Mode) (bool, error) {
	s.mu.Lock()
	defer t.unlockSlot(s)
	return s.release(c, mode)
}

func (t *Table) releaseAll(c *Client, s *lockSlot) {
	s.mu.Lock()
	defer t.unlockSlot(s)
	s.releaseAll(c)
}

func (t *Table) counts(c *Client, s *lockSlot) (shared, exclusive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts(c)
}

// Slots returns the number of live slots.
func (t *Table) Slots() int {
	n := 0
	t.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns the state of every live slot ordered by key. Each slot is
// copied under its own mutex, so the view is consistent per slot but not
// across slots.
func (t *Table) Snapshot() []LockInfo {
	var out []LockInfo
	t.slots.Range(func(_, v any) bool {
		s := v.(*lockSlot)
		s.mu.Lock()
		if !s.retired {
			out = append(out, s.snapshot())
		}
		s.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b LockInfo) int { return compareKeys(a.Key, b.Key) })
	return out
}
