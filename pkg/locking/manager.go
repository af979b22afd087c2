package locking

import (
	"cmp"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Manager owns a lock table and hands out clients for it.
//
// A database keeps one Manager for its lifetime; every transaction gets its
// own Client through NewClient and closes it when it ends.
type Manager struct {
	table   *Table
	nextID  atomic.Int64
	clients sync.Map // int64 -> *Client

	log          logrus.FieldLogger
	logDeadlocks bool

	deadlocks atomic.Int64
	stops     atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for deadlock and stop events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDeadlockLogging enables a debug entry for every rejected wait.
func WithDeadlockLogging(enabled bool) Option {
	return func(m *Manager) {
		m.logDeadlocks = enabled
	}
}

// NewManager creates a manager with an empty table.
func NewManager(opts ...Option) *Manager {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	m := &Manager{
		table: NewTable(),
		log:   discard,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewClient creates an active client. Client ids start at 1 and are never
// reused by the same manager.
func (m *Manager) NewClient() *Client {
	c := newClient(m.nextID.Add(1), m)
	m.clients.Store(c.id, c)
	return c
}

// Client returns the open client with the given id.
func (m *Manager) Client(id int64) (*Client, bool) {
	v, ok := m.clients.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// ActiveClients returns the clients that have not been closed, ordered by id.
func (m *Manager) ActiveClients() []*Client {
	var out []*Client
	m.clients.Range(func(_, v any) bool {
		out = append(out, v.(*Client))
		return true
	})
	slices.SortFunc(out, func(a, b *Client) int { return cmp.Compare(a.id, b.id) })
	return out
}

// StopAll stops every open client with reason.
func (m *Manager) StopAll(reason error) {
	for _, c := range m.ActiveClients() {
		c.Stop(reason)
	}
}

// Close stops and closes every open client. It must only be called once the
// goroutines owning those clients have returned or been stopped.
func (m *Manager) Close() {
	for _, c := range m.ActiveClients() {
		c.Stop(nil)
		c.Close()
	}
}

// Table returns the underlying lock table.
func (m *Manager) Table() *Table {
	return m.table
}

// Snapshot returns the state of every live slot.
func (m *Manager) Snapshot() []LockInfo {
	return m.table.Snapshot()
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	Clients   int
	Slots     int
	Waiters   int
	Deadlocks int64
	Stops     int64
}

// Stats summarizes the current table and lifetime counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Deadlocks: m.deadlocks.Load(),
		Stops:     m.stops.Load(),
	}
	m.clients.Range(func(_, _ any) bool {
		st.Clients++
		return true
	})
	for _, info := range m.table.Snapshot() {
		st.Slots++
		st.Waiters += len(info.Waiters)
	}
	return st
}

func (m *Manager) forget(c *Client) {
	m.clients.CompareAndDelete(c.id, c)
}

func (m *Manager) deadlockDetected(err *DeadlockError) {
	m.deadlocks.Add(1)
	if !m.logDeadlocks {
		return
	}
	m.log.WithFields(logrus.Fields{
		"client": err.ClientID,
		"lock":   err.Key.String(),
		"mode":   err.Mode.String(),
		"cycle":  err.Cycle,
	}).Debug("deadlock detected, rejecting wait")
}

func (m *Manager) clientStopped(c *Client, reason error, woke bool) {
	m.stops.Add(1)
	m.log.WithFields(logrus.Fields{
		"client": c.id,
		"reason": reason.Error(),
		"woke":   woke,
	}).Debug("lock client stopped")
}
