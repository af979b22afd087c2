package locking

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// holding is one client's reentrancy counts on a slot.
type holding struct {
	shared    int
	exclusive int
}

func (h *holding) empty() bool {
	return h.shared == 0 && h.exclusive == 0
}

type waiterState uint8

const (
	waiterPending waiterState = iota
	waiterGranted
	waiterCancelled
)

// waiter is a parked acquisition. It exists only while its client is
// blocked on the slot.
type waiter struct {
	client  *Client
	slot    *lockSlot
	mode    Mode
	upgrade bool

	// done is closed once the waiter leaves the queue; err is set first.
	done chan struct{}
	err  error

	// guarded by slot.mu
	state waiterState
}

func (w *waiter) resolve(err error) {
	w.err = err
	if err == nil {
		w.state = waiterGranted
	} else {
		w.state = waiterCancelled
	}
	close(w.done)
}

// lockSlot is the lock state of one resource. All fields are guarded by mu.
type lockSlot struct {
	key Key
	mu  sync.Mutex

	holders map[*Client]*holding
	queue   []*waiter

	// retired slots have been removed from the table and must not be used.
	retired bool
}

func newLockSlot(key Key) *lockSlot {
	return &lockSlot{
		key:     key,
		holders: make(map[*Client]*holding, 1),
	}
}

func (s *lockSlot) empty() bool {
	return len(s.holders) == 0 && len(s.queue) == 0
}

// compatible reports whether c could hold mode alongside the other holders.
func (s *lockSlot) compatible(c *Client, mode Mode) bool {
	for other, h := range s.holders {
		if other == c {
			continue
		}
		if mode == Exclusive || h.exclusive > 0 {
			return false
		}
	}
	return true
}

func (s *lockSlot) grant(c *Client, mode Mode) {
	h, ok := s.holders[c]
	if !ok {
		h = &holding{}
		s.holders[c] = h
	}
	if mode == Exclusive {
		h.exclusive++
	} else {
		h.shared++
	}
}

// tryGrant grants mode to c if that is possible without waiting.
//
// Existing holders re-enter immediately for the same or a weaker mode. An
// upgrade succeeds only for the sole holder. Clients that hold nothing queue
// behind any existing waiter.
func (s *lockSlot) tryGrant(c *Client, mode Mode) bool {
	if h, ok := s.holders[c]; ok {
		if mode == Shared || h.exclusive > 0 || len(s.holders) == 1 {
			s.grant(c, mode)
			return true
		}
		return false
	}
	if len(s.queue) > 0 || !s.compatible(c, mode) {
		return false
	}
	s.grant(c, mode)
	return true
}

func (s *lockSlot) newWaiter(c *Client, mode Mode) *waiter {
	_, holder := s.holders[c]
	return &waiter{
		client:  c,
		slot:    s,
		mode:    mode,
		upgrade: holder && mode == Exclusive,
		done:    make(chan struct{}),
	}
}

// enqueue appends w, except that upgrades go behind earlier upgrades and
// ahead of everything else.
func (s *lockSlot) enqueue(w *waiter) {
	if !w.upgrade {
		s.queue = append(s.queue, w)
		return
	}
	i := 0
	for i < len(s.queue) && s.queue[i].upgrade {
		i++
	}
	s.queue = slices.Insert(s.queue, i, w)
}

// promote grants queued waiters from the head for as long as the head is
// compatible with the current holders.
func (s *lockSlot) promote() {
	for len(s.queue) > 0 {
		w := s.queue[0]
		if !s.compatible(w.client, w.mode) {
			return
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.grant(w.client, w.mode)
		w.resolve(nil)
	}
	s.queue = nil
}

// cancel removes a pending waiter and wakes it with err. It reports false
// when the waiter was already granted or cancelled.
func (s *lockSlot) cancel(w *waiter, err error) bool {
	if w.state != waiterPending {
		return false
	}
	if i := slices.Index(s.queue, w); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
	w.resolve(err)
	s.promote()
	return true
}

// release drops one count of mode held by c. It reports whether c still
// holds the slot in any mode afterwards.
func (s *lockSlot) release(c *Client, mode Mode) (bool, error) {
	h, ok := s.holders[c]
	if !ok {
		return false, fmt.Errorf("%w: client %d does not hold %s", ErrIllegalLockState, c.id, s.key)
	}
	count := &h.shared
	if mode == Exclusive {
		count = &h.exclusive
	}
	if *count == 0 {
		return true, fmt.Errorf("%w: client %d does not hold a %s lock on %s", ErrIllegalLockState, c.id, mode, s.key)
	}
	*count--
	if h.empty() {
		delete(s.holders, c)
	}
	s.promote()
	return !h.empty(), nil
}

// releaseAll drops every count c holds.
func (s *lockSlot) releaseAll(c *Client) {
	if _, ok := s.holders[c]; !ok {
		return
	}
	delete(s.holders, c)
	s.promote()
}

// counts returns the reentrancy counts c holds on the slot.
func (s *lockSlot) counts(c *Client) (shared, exclusive int) {
	if h, ok := s.holders[c]; ok {
		return h.shared, h.exclusive
	}
	return 0, 0
}

// blockers returns the clients w is waiting for: every other holder and every
// other client queued ahead of it. A waiter that is no longer pending waits
// for nobody.
func (s *lockSlot) blockers(w *waiter) []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.state != waiterPending {
		return nil
	}
	out := make([]*Client, 0, len(s.holders)+len(s.queue))
	for c := range s.holders {
		if c != w.client {
			out = append(out, c)
		}
	}
	for _, q := range s.queue {
		if q == w {
			break
		}
		if q.client != w.client && !slices.Contains(out, q.client) {
			out = append(out, q.client)
		}
	}
	slices.SortFunc(out, func(a, b *Client) int { return cmp.Compare(a.id, b.id) })
	return out
}

// snapshot copies the slot state. Caller holds mu.
func (s *lockSlot) snapshot() LockInfo {
	info := LockInfo{Key: s.key}
	for c, h := range s.holders {
		info.Holders = append(info.Holders, HolderInfo{
			ClientID:  c.id,
			Shared:    h.shared,
			Exclusive: h.exclusive,
		})
	}
	slices.SortFunc(info.Holders, func(a, b HolderInfo) int { return cmp.Compare(a.ClientID, b.ClientID) })
	for _, w := range s.queue {
		info.Waiters = append(info.Waiters, WaiterInfo{
			ClientID: w.client.id,
			Mode:     w.mode,
			Upgrade:  w.upgrade,
		})
	}
	return info
}

// LockInfo is a point-in-time view of one slot.
type LockInfo struct {
	Key     Key
	Holders []HolderInfo
	Waiters []WaiterInfo
}

// HolderInfo is one holder's reentrancy counts.
type HolderInfo struct {
	ClientID  int64
	Shared    int
	Exclusive int
}

// WaiterInfo is one queued request, in queue order.
type WaiterInfo struct {
	ClientID int64
	Mode     Mode
	Upgrade  bool
}
