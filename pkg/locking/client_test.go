package locking

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphlock/pkg/resource"
)

func TestClient_MutualExclusion(t *testing.T) {
	m := NewManager()
	a, b := m.NewClient(), m.NewClient()

	require.NoError(t, a.AcquireExclusive(nil, resource.Node, 1))

	ok, err := b.TryExclusiveLock(resource.Node, 1)
	require.NoError(t, err)
	assert.False(t, ok, "exclusive must exclude exclusive")

	ok, err = b.TrySharedLock(resource.Node, 1)
	require.NoError(t, err)
	assert.False(t, ok, "exclusive must exclude shared")

	// unrelated resources do not conflict
	ok, err = b.TryExclusiveLock(resource.Relationship, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.ReleaseExclusive(resource.Node, 1))
	ok, err = b.TryExclusiveLock(resource.Node, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_SharedCompatible(t *testing.T) {
	m := NewManager()
	a, b, c := m.NewClient(), m.NewClient(), m.NewClient()

	require.NoError(t, a.AcquireShared(nil, resource.Label, 3))
	require.NoError(t, b.AcquireShared(nil, resource.Label, 3))

	ok, err := c.TryExclusiveLock(resource.Label, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	info := m.Snapshot()
	require.Len(t, info, 1)
	assert.Len(t, info[0].Holders, 2)
}

func TestClient_Reentrancy(t *testing.T) {
	m := NewManager()
	a := m.NewClient()

	t.Run("shared_counts", func(t *testing.T) {
		require.NoError(t, a.AcquireShared(nil, resource.Node, 7))
		require.NoError(t, a.AcquireShared(nil, resource.Node, 7))
		assert.Equal(t, []HeldLock{{Key: Key{resource.Node, 7}, Shared: 2}}, a.HeldLocks())

		require.NoError(t, a.ReleaseShared(resource.Node, 7))
		assert.True(t, a.Holds(resource.Node, 7, Shared))
		require.NoError(t, a.ReleaseShared(resource.Node, 7))
		assert.False(t, a.Holds(resource.Node, 7, Shared))
		assert.Equal(t, 0, a.LockCount())
		assert.Equal(t, 0, m.Table().Slots())
	})

	t.Run("exclusive_then_shared", func(t *testing.T) {
		require.NoError(t, a.AcquireExclusive(nil, resource.Node, 8))
		require.NoError(t, a.AcquireShared(nil, resource.Node, 8))
		assert.Equal(t, []HeldLock{{Key: Key{resource.Node, 8}, Shared: 1, Exclusive: 1}}, a.HeldLocks())

		// dropping the exclusive count downgrades to shared
		require.NoError(t, a.ReleaseExclusive(resource.Node, 8))
		assert.True(t, a.Holds(resource.Node, 8, Shared))
		assert.False(t, a.Holds(resource.Node, 8, Exclusive))

		b := m.NewClient()
		ok, err := b.TrySharedLock(resource.Node, 8)
		require.NoError(t, err)
		assert.True(t, ok)
		b.Close()

		require.NoError(t, a.ReleaseShared(resource.Node, 8))
		assert.Equal(t, 0, a.LockCount())
	})

	t.Run("reentrant_shared_while_queue_nonempty", func(t *testing.T) {
		b := m.NewClient()
		defer b.Close()

		require.NoError(t, a.AcquireShared(nil, resource.Node, 9))
		done := acquireAsync(b, nil, Exclusive, resource.Node, 9)
		waitParked(t, b)

		ok, err := a.TrySharedLock(resource.Node, 9)
		require.NoError(t, err)
		assert.True(t, ok, "holders re-enter without queueing")

		a.ReleaseAll()
		require.NoError(t, waitResult(t, done))
	})
}

func TestClient_Upgrade(t *testing.T) {
	t.Run("sole_holder_upgrades_immediately", func(t *testing.T) {
		m := NewManager()
		tracer := &recordingTracer{}
		a := m.NewClient()

		require.NoError(t, a.AcquireShared(tracer, resource.Node, 1))
		require.NoError(t, a.AcquireExclusive(tracer, resource.Node, 1))
		assert.True(t, a.Holds(resource.Node, 1, Exclusive))
		assert.Empty(t, tracer.snapshot())
	})

	t.Run("blocks_until_other_shared_holder_leaves", func(t *testing.T) {
		m := NewManager()
		a, b := m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireShared(nil, resource.Node, 1))
		require.NoError(t, b.AcquireShared(nil, resource.Node, 1))

		done := acquireAsync(a, nil, Exclusive, resource.Node, 1)
		waitParked(t, a)
		requireBlocked(t, done)

		info := m.Snapshot()
		require.Len(t, info, 1)
		assert.Equal(t, []WaiterInfo{{ClientID: a.ID(), Mode: Exclusive, Upgrade: true}}, info[0].Waiters)

		require.NoError(t, b.ReleaseShared(resource.Node, 1))
		require.NoError(t, waitResult(t, done))
		assert.Equal(t, []HeldLock{{Key: Key{resource.Node, 1}, Shared: 1, Exclusive: 1}}, a.HeldLocks())
	})

	t.Run("upgrade_goes_ahead_of_plain_waiters", func(t *testing.T) {
		m := NewManager()
		a, b, c := m.NewClient(), m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireShared(nil, resource.Node, 1))
		require.NoError(t, b.AcquireShared(nil, resource.Node, 1))

		cDone := acquireAsync(c, nil, Exclusive, resource.Node, 1)
		waitParked(t, c)
		aDone := acquireAsync(a, nil, Exclusive, resource.Node, 1)
		waitParked(t, a)

		info := m.Snapshot()
		require.Len(t, info, 1)
		assert.Equal(t, []WaiterInfo{
			{ClientID: a.ID(), Mode: Exclusive, Upgrade: true},
			{ClientID: c.ID(), Mode: Exclusive},
		}, info[0].Waiters)

		b.ReleaseAll()
		require.NoError(t, waitResult(t, aDone))
		requireBlocked(t, cDone)

		a.ReleaseAll()
		require.NoError(t, waitResult(t, cDone))
	})

	t.Run("two_upgraders_deadlock", func(t *testing.T) {
		m := NewManager()
		a, b := m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireShared(nil, resource.Node, 1))
		require.NoError(t, b.AcquireShared(nil, resource.Node, 1))

		aDone := acquireAsync(a, nil, Exclusive, resource.Node, 1)
		waitParked(t, a)

		err := b.AcquireExclusive(nil, resource.Node, 1)
		require.ErrorIs(t, err, ErrDeadlockDetected)
		var dl *DeadlockError
		require.True(t, errors.As(err, &dl))
		assert.Equal(t, []int64{b.ID(), a.ID()}, dl.Cycle)

		// b still holds its shared count and must release to let a proceed
		assert.True(t, b.Holds(resource.Node, 1, Shared))
		b.ReleaseAll()
		require.NoError(t, waitResult(t, aDone))
	})
}

func TestClient_SortedBatchAcquire(t *testing.T) {
	m := NewManager()
	a := m.NewClient()

	ids := []resource.ID{30, 10, 20}
	require.NoError(t, a.AcquireExclusive(nil, resource.Node, ids...))
	assert.Equal(t, []resource.ID{30, 10, 20}, ids, "caller slice is not reordered")

	held := a.HeldLocks()
	require.Len(t, held, 3)
	assert.Equal(t, resource.ID(10), held[0].Key.ID)
	assert.Equal(t, resource.ID(20), held[1].Key.ID)
	assert.Equal(t, resource.ID(30), held[2].Key.ID)
}

func TestClient_HeldLocksOrderedByTypeThenID(t *testing.T) {
	m := NewManager()
	a := m.NewClient()

	require.NoError(t, a.AcquireShared(nil, resource.Label, 1))
	require.NoError(t, a.AcquireShared(nil, resource.Node, 5))
	require.NoError(t, a.AcquireShared(nil, resource.Node, 2))

	var keys []Key
	for _, h := range a.HeldLocks() {
		keys = append(keys, h.Key)
	}
	assert.Equal(t, []Key{{resource.Node, 2}, {resource.Node, 5}, {resource.Label, 1}}, keys)
}

func TestClient_BatchRollback(t *testing.T) {
	m := NewManager()
	a, b, c := m.NewClient(), m.NewClient(), m.NewClient()

	require.NoError(t, a.AcquireExclusive(nil, resource.Node, 5))

	done := acquireAsync(b, nil, Exclusive, resource.Node, 1, 2, 5)
	waitParked(t, b)
	assert.Equal(t, 2, b.LockCount(), "1 and 2 are taken before parking on 5")

	b.Stop(errors.New("user cancel"))
	require.ErrorIs(t, waitResult(t, done), ErrClientStopped)
	assert.Equal(t, 0, b.LockCount())

	ok, err := c.TryExclusiveLock(resource.Node, 1)
	require.NoError(t, err)
	assert.True(t, ok, "rolled back lock must be free")
}

func TestClient_Release(t *testing.T) {
	m := NewManager()
	a := m.NewClient()

	t.Run("unheld", func(t *testing.T) {
		err := a.ReleaseExclusive(resource.Node, 1)
		require.ErrorIs(t, err, ErrIllegalLockState)
	})

	t.Run("wrong_mode", func(t *testing.T) {
		require.NoError(t, a.AcquireExclusive(nil, resource.Node, 2))
		err := a.ReleaseShared(resource.Node, 2)
		require.ErrorIs(t, err, ErrIllegalLockState)
		assert.True(t, a.Holds(resource.Node, 2, Exclusive), "failed release leaves the lock alone")
		require.NoError(t, a.ReleaseExclusive(resource.Node, 2))
	})

	t.Run("partial_batch_reports_each_failure", func(t *testing.T) {
		require.NoError(t, a.AcquireShared(nil, resource.Node, 3))
		err := a.ReleaseShared(resource.Node, 3, 4, 5)
		require.ErrorIs(t, err, ErrIllegalLockState)
		assert.Contains(t, err.Error(), "NODE(4)")
		assert.Contains(t, err.Error(), "NODE(5)")
		assert.False(t, a.Holds(resource.Node, 3, Shared), "held id in the batch is still released")
	})
}

func TestClient_InvalidType(t *testing.T) {
	m := NewManager()
	a := m.NewClient()

	require.ErrorIs(t, a.AcquireShared(nil, resource.Type(0), 1), ErrIllegalLockState)
	_, err := a.TryExclusiveLock(resource.Type(99), 1)
	require.ErrorIs(t, err, ErrIllegalLockState)
}

func TestClient_Stop(t *testing.T) {
	t.Run("wakes_parked_acquire", func(t *testing.T) {
		m := NewManager()
		a, b := m.NewClient(), m.NewClient()
		require.NoError(t, a.AcquireExclusive(nil, resource.Node, 1))

		done := acquireAsync(b, nil, Exclusive, resource.Node, 1)
		waitParked(t, b)

		reason := errors.New("transaction terminated by admin")
		b.Stop(reason)

		err := waitResult(t, done)
		require.ErrorIs(t, err, ErrClientStopped)
		require.ErrorIs(t, err, reason)
		assert.Equal(t, ClientStopped, b.State())
		assert.Equal(t, reason, b.StopReason())

		assert.True(t, a.Holds(resource.Node, 1, Exclusive))
		info := m.Snapshot()
		require.Len(t, info, 1)
		assert.Empty(t, info[0].Waiters, "stopped waiter leaves the queue")
	})

	t.Run("keeps_granted_locks", func(t *testing.T) {
		m := NewManager()
		a := m.NewClient()
		require.NoError(t, a.AcquireShared(nil, resource.Node, 1))

		a.Stop(nil)
		assert.True(t, a.Holds(resource.Node, 1, Shared))
		assert.Error(t, a.StopReason())

		require.ErrorIs(t, a.AcquireShared(nil, resource.Node, 2), ErrClientStopped)
		_, err := a.TrySharedLock(resource.Node, 2)
		require.ErrorIs(t, err, ErrClientStopped)

		// releasing is still allowed
		require.NoError(t, a.ReleaseShared(resource.Node, 1))
	})

	t.Run("second_stop_keeps_first_reason", func(t *testing.T) {
		m := NewManager()
		a := m.NewClient()
		first := errors.New("first")
		a.Stop(first)
		a.Stop(errors.New("second"))
		assert.Equal(t, first, a.StopReason())
	})

	t.Run("racing_grant_leaves_no_dangling_waiter", func(t *testing.T) {
		m := NewManager()
		for i := 0; i < 200; i++ {
			a, b := m.NewClient(), m.NewClient()
			require.NoError(t, a.AcquireExclusive(nil, resource.Node, 1))

			done := acquireAsync(b, nil, Exclusive, resource.Node, 1)
			waitParked(t, b)

			released := make(chan struct{})
			go func() {
				a.ReleaseAll()
				close(released)
			}()
			b.Stop(nil)

			err := waitResult(t, done)
			if err != nil {
				require.ErrorIs(t, err, ErrClientStopped)
				assert.Equal(t, 0, b.LockCount())
			} else {
				assert.True(t, b.Holds(resource.Node, 1, Exclusive))
			}
			b.Close()
			select {
			case <-released:
			case <-time.After(5 * time.Second):
				t.Fatal("release did not return")
			}
			a.Close()
		}
		assert.Equal(t, 0, m.Table().Slots())
	})
}

func TestClient_Close(t *testing.T) {
	m := NewManager()
	a, b := m.NewClient(), m.NewClient()

	require.NoError(t, a.AcquireExclusive(nil, resource.Node, 1, 2))
	a.Close()
	a.Close()

	assert.Equal(t, ClientClosed, a.State())
	assert.Equal(t, 0, a.LockCount())
	require.ErrorIs(t, a.AcquireShared(nil, resource.Node, 3), ErrIllegalLockState)

	ok, err := b.TryExclusiveLock(resource.Node, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := m.Client(a.ID())
	assert.False(t, found)
}

func TestClient_ReleaseAllKeepsState(t *testing.T) {
	m := NewManager()
	a := m.NewClient()

	require.NoError(t, a.AcquireShared(nil, resource.Node, 1, 2, 3))
	require.NoError(t, a.AcquireShared(nil, resource.Node, 1))
	a.ReleaseAll()

	assert.Equal(t, 0, a.LockCount())
	assert.Equal(t, ClientActive, a.State())
	assert.Equal(t, 0, m.Table().Slots())
	require.NoError(t, a.AcquireExclusive(nil, resource.Node, 1))
}

func TestClient_FIFO(t *testing.T) {
	t.Run("no_bypass_of_queued_waiters", func(t *testing.T) {
		m := NewManager()
		a, b, c := m.NewClient(), m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireShared(nil, resource.Node, 1))
		done := acquireAsync(b, nil, Exclusive, resource.Node, 1)
		waitParked(t, b)

		ok, err := c.TrySharedLock(resource.Node, 1)
		require.NoError(t, err)
		assert.False(t, ok, "a compatible newcomer still queues behind the exclusive waiter")

		a.ReleaseAll()
		require.NoError(t, waitResult(t, done))
	})

	t.Run("consecutive_shared_waiters_promoted_together", func(t *testing.T) {
		m := NewManager()
		a, b, c, d, e := m.NewClient(), m.NewClient(), m.NewClient(), m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireExclusive(nil, resource.Node, 1))

		bDone := acquireAsync(b, nil, Shared, resource.Node, 1)
		waitParked(t, b)
		cDone := acquireAsync(c, nil, Shared, resource.Node, 1)
		waitParked(t, c)
		dDone := acquireAsync(d, nil, Exclusive, resource.Node, 1)
		waitParked(t, d)
		eDone := acquireAsync(e, nil, Shared, resource.Node, 1)
		waitParked(t, e)

		a.ReleaseAll()
		require.NoError(t, waitResult(t, bDone))
		require.NoError(t, waitResult(t, cDone))
		requireBlocked(t, dDone)
		requireBlocked(t, eDone)

		b.ReleaseAll()
		c.ReleaseAll()
		require.NoError(t, waitResult(t, dDone))
		requireBlocked(t, eDone)

		d.ReleaseAll()
		require.NoError(t, waitResult(t, eDone))
		e.ReleaseAll()
		assert.Equal(t, 0, m.Table().Slots())
	})
}

func TestClient_TracerPairing(t *testing.T) {
	t.Run("no_calls_without_blocking", func(t *testing.T) {
		m := NewManager()
		tracer := &recordingTracer{}
		a := m.NewClient()

		require.NoError(t, a.AcquireShared(tracer, resource.Node, 1, 2, 3))
		require.NoError(t, a.AcquireExclusive(tracer, resource.Node, 4))
		assert.Empty(t, tracer.snapshot())
	})

	t.Run("node_17_scenario", func(t *testing.T) {
		m := NewManager()
		tracer := &recordingTracer{}
		a, b := m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireExclusive(tracer, resource.Node, 17))
		done := acquireAsync(b, tracer, Exclusive, resource.Node, 17)
		waitParked(t, b)

		begins, ends := tracer.waits(b.ID())
		assert.Equal(t, 1, begins)
		assert.Equal(t, 0, ends, "wait stays open while parked")

		require.NoError(t, a.ReleaseExclusive(resource.Node, 17))
		require.NoError(t, waitResult(t, done))
		assert.True(t, b.Holds(resource.Node, 17, Exclusive))

		begins, ends = tracer.waits(a.ID())
		assert.Equal(t, 0, begins)
		assert.Equal(t, 0, ends)
		begins, ends = tracer.waits(b.ID())
		assert.Equal(t, 1, begins)
		assert.Equal(t, 1, ends)

		calls := tracer.snapshot()
		require.Len(t, calls, 2)
		assert.True(t, calls[0].begin, "begin precedes close")
		assert.Equal(t, Exclusive, calls[0].mode)
		assert.Equal(t, resource.Node, calls[0].typ)
		assert.Equal(t, []resource.ID{17}, calls[0].ids)
	})

	t.Run("deadlock_and_stop_close_their_wait", func(t *testing.T) {
		m := NewManager()
		tracer := &recordingTracer{}
		a, b, c := m.NewClient(), m.NewClient(), m.NewClient()

		require.NoError(t, a.AcquireExclusive(tracer, resource.Node, 1))
		require.NoError(t, b.AcquireExclusive(tracer, resource.Node, 2))

		aDone := acquireAsync(a, tracer, Exclusive, resource.Node, 2)
		waitParked(t, a)
		require.ErrorIs(t, b.AcquireExclusive(tracer, resource.Node, 1), ErrDeadlockDetected)

		cDone := acquireAsync(c, tracer, Shared, resource.Node, 1)
		waitParked(t, c)
		c.Stop(nil)
		require.ErrorIs(t, waitResult(t, cDone), ErrClientStopped)

		b.ReleaseAll()
		require.NoError(t, waitResult(t, aDone))

		for _, id := range []int64{a.ID(), b.ID(), c.ID()} {
			begins, ends := tracer.waits(id)
			assert.Equal(t, 1, begins, "client %d", id)
			assert.Equal(t, begins, ends, "client %d", id)
		}
	})
}
