package tracing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/resource"
)

// ClientWaits is the wait count of one client.
type ClientWaits struct {
	Begins int64
	Ends   int64
}

// Counting counts wait begins and ends per client and in total.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type Counting struct {
	begins    atomic.Int64
	ends      atomic.Int64
	active    atomic.Int64
	waitNanos atomic.Int64

	mu        sync.Mutex
	perClient map[int64]*ClientWaits

	now func() time.Time
}

// NewCounting creates a tracer with all counters at zero.
func NewCounting() *Counting {
	return &Counting{
		perClient: make(map[int64]*ClientWaits),
		now:       time.Now,
	}
}

// WaitForLock implements locking.WaitTracer.
func (c *Counting) WaitForLock(_ locking.Mode, _ resource.Type, clientID int64, _ ...resource.ID) locking.LockWaitEvent {
	c.begins.Add(1)
	c.active.Add(1)

	c.mu.Lock()
	cw, ok := c.perClient[clientID]
	if !ok {
		cw = &ClientWaits{}
		c.perClient[clientID] = cw
	}
	cw.Begins++
	c.mu.Unlock()

	return &countingEvent{c: c, clientID: clientID, started: c.now()}
}

// Begins returns the total number of waits started.
func (c *Counting) Begins() int64 { return c.begins.Load() }

// Ends returns the total number of waits closed.
func (c *Counting) Ends() int64 { return c.ends.Load() }

// Active returns the number of waits currently open.
func (c *Counting) Active() int64 { return c.active.Load() }

// TotalWait returns the summed duration of every closed wait.
func (c *Counting) TotalWait() time.Duration {
	return time.Duration(c.waitNanos.Load())
}

// Client returns the counters of one client. Unknown clients report zero.
func (c *Counting) Client(clientID int64) ClientWaits {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cw, ok := c.perClient[clientID]; ok {
		return *cw
	}
	return ClientWaits{}
}

// Clients returns a copy of every client's counters.
func (c *Counting) Clients() map[int64]ClientWaits {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]ClientWaits, len(c.perClient))
	for id, cw := range c.perClient {
		out[id] = *cw
	}
	return out
}

// Reset zeroes all counters. Waits still open when Reset is called are
// counted as ends against the new totals when they close.
func (c *Counting) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begins.Store(0)
	c.ends.Store(0)
	c.waitNanos.Store(0)
	c.perClient = make(map[int64]*ClientWaits)
}

type countingEvent struct {
	c        *Counting
	clientID int64
	started  time.Time
	once     sync.Once
}

func (e *countingEvent) Close() {
	e.once.Do(func() {
		c := e.c
		c.ends.Add(1)
		c.active.Add(-1)
		c.waitNanos.Add(int64(c.now().Sub(e.started)))

		c.mu.Lock()
		cw, ok := c.perClient[e.clientID]
		if !ok {
			cw = &ClientWaits{}
			c.perClient[e.clientID] = cw
		}
		cw.Ends++
		c.mu.Unlock()
	})
}
