// Package txn is the owner of lock clients: one Transaction per unit of
// work, releasing every lock exactly once when it ends.
//
// # Transaction Semantics
//
// A transaction takes locks as it touches resources and holds them until it
// ends (strict two-phase locking):
//  1. BEGIN: a lock client is created for the transaction
//  2. LOCK: shared locks before reads, exclusive locks before writes
//  3. COMMIT or ROLLBACK: every lock is released at once
//  4. TERMINATE: another goroutine aborts the transaction; a blocked lock
//     request wakes immediately and the owner must roll back
//
// A deadlock rejection leaves the transaction usable. The usual response is
// Rollback and a retry of the whole unit of work.
//
// # ELI12 (Explain Like I'm 12)
//
// Imagine borrowing books from a library for a school project:
//
//	BEGIN = "I'm starting my project"
//	LOCK = Checking out each book you need (or waiting for it to come back)
//	COMMIT = "Done!" and you return every book at once
//	TERMINATE = The librarian says "time's up", and you have to give them back
//
// You never return books one by one in the middle, so nobody sees your
// project half-finished.
package txn

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/resource"
)

// Transaction errors
var (
	ErrTransactionClosed     = errors.New("transaction already closed")
	ErrTransactionTerminated = errors.New("transaction terminated")
)

// Status represents the current state of a transaction.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusTerminated Status = "terminated"
)

// maxMetadataSize bounds the summed size of metadata keys and values.
const maxMetadataSize = 2048

// Manager begins transactions against one lock manager and tracks the open
// ones so they can be terminated from outside.
type Manager struct {
	locks       *locking.Manager
	tracer      locking.WaitTracer
	hashVersion resource.HashVersion
	log         logrus.FieldLogger

	nextID atomic.Int64
	active sync.Map // string -> *Transaction
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracer sets the tracer passed on every lock request.
func WithTracer(t locking.WaitTracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithHashVersion selects the hasher used for index entry locks.
func WithHashVersion(v resource.HashVersion) Option {
	return func(m *Manager) { m.hashVersion = v }
}

// WithLogger sets the logger for commits and terminations.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager creates a transaction manager over locks.
func NewManager(locks *locking.Manager, opts ...Option) *Manager {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	m := &Manager{
		locks:       locks,
		tracer:      locking.NoopTracer,
		hashVersion: resource.DefaultHashVersion,
		log:         quiet,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = locking.NoopTracer
	}
	return m
}

// Begin starts a transaction with its own lock client.
//
// Example:
//
//	tx := txns.Begin()
//	defer tx.Rollback() // no-op after Commit
//
//	if err := tx.Lock(locking.Exclusive, resource.Node, from, to); err != nil {
//		return err
//	}
//	if err := tx.Lock(locking.Shared, resource.Label, personLabel); err != nil {
//		return err
//	}
//	// ... write ...
//	return tx.Commit()
func (m *Manager) Begin() *Transaction {
	n := m.nextID.Add(1)
	tx := &Transaction{
		id:        fmt.Sprintf("tx-%d", n),
		startTime: time.Now(),
		status:    StatusActive,
		client:    m.locks.NewClient(),
		mgr:       m,
		metadata:  make(map[string]any),
	}
	m.active.Store(tx.id, tx)
	return tx
}

// Get returns an open transaction by id.
func (m *Manager) Get(id string) (*Transaction, bool) {
	v, ok := m.active.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Transaction), true
}

// Active returns every open transaction.
func (m *Manager) Active() []*Transaction {
	var out []*Transaction
	m.active.Range(func(_, v any) bool {
		out = append(out, v.(*Transaction))
		return true
	})
	return out
}

// Terminate aborts the open transaction id. It reports whether the
// transaction was found.
func (m *Manager) Terminate(id string, reason error) bool {
	tx, ok := m.Get(id)
	if !ok {
		return false
	}
	tx.Terminate(reason)
	return true
}

// TerminateAll aborts every open transaction.
func (m *Manager) TerminateAll(reason error) {
	for _, tx := range m.Active() {
		tx.Terminate(reason)
	}
}

// Transaction is one unit of work holding locks.
//
// Lock, Unlock, Commit and Rollback belong to the goroutine running the
// transaction. Terminate may be called from anywhere.
type Transaction struct {
	id        string
	startTime time.Time
	client    *locking.Client
	mgr       *Manager

	terminated atomic.Bool

	mu       sync.Mutex
	status   Status
	metadata map[string]any
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// StartTime returns when the transaction began.
func (tx *Transaction) StartTime() time.Time { return tx.startTime }

// Client exposes the underlying lock client.
func (tx *Transaction) Client() *locking.Client { return tx.client }

// Status returns the current status.
func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// IsActive returns true if the transaction has not ended.
func (tx *Transaction) IsActive() bool {
	return tx.Status() == StatusActive
}

// IsTerminated reports whether Terminate was called.
func (tx *Transaction) IsTerminated() bool {
	return tx.terminated.Load()
}

// Lock takes mode locks on ids of type typ, blocking as needed.
//
// Returns an error wrapping locking.ErrDeadlockDetected when the request
// was rejected to break a deadlock, ErrTransactionTerminated after
// Terminate (also wrapping locking.ErrClientStopped when a waiting request
// was woken), or ErrTransactionClosed once the transaction ended.
func (tx *Transaction) Lock(mode locking.Mode, typ resource.Type, ids ...resource.ID) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	var err error
	if mode == locking.Exclusive {
		err = tx.client.AcquireExclusive(tx.mgr.tracer, typ, ids...)
	} else {
		err = tx.client.AcquireShared(tx.mgr.tracer, typ, ids...)
	}
	return tx.wrap(err)
}

// TryLock takes a lock only if that needs no waiting.
func (tx *Transaction) TryLock(mode locking.Mode, typ resource.Type, id resource.ID) (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	var (
		ok  bool
		err error
	)
	if mode == locking.Exclusive {
		ok, err = tx.client.TryExclusiveLock(typ, id)
	} else {
		ok, err = tx.client.TrySharedLock(typ, id)
	}
	return ok, tx.wrap(err)
}

// LockIndexEntry locks the index entry for token and the exact-match
// predicates, hashed with the manager's hash version. Predicates are sorted
// by property key first.
func (tx *Transaction) LockIndexEntry(mode locking.Mode, token int64, preds ...resource.Predicate) (resource.ID, error) {
	preds = resource.SortPredicates(preds)
	id, err := resource.IndexEntryID(tx.mgr.hashVersion, token, preds...)
	if err != nil {
		return 0, err
	}
	return id, tx.Lock(mode, resource.IndexEntry, id)
}

// Unlock releases one count of each lock before the transaction ends.
func (tx *Transaction) Unlock(mode locking.Mode, typ resource.Type, ids ...resource.ID) error {
	if !tx.IsActive() {
		return ErrTransactionClosed
	}
	if mode == locking.Exclusive {
		return tx.client.ReleaseExclusive(typ, ids...)
	}
	return tx.client.ReleaseShared(typ, ids...)
}

// Commit ends the transaction and releases its locks. A terminated
// transaction is rolled back instead and Commit returns
// ErrTransactionTerminated.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusActive {
		return ErrTransactionClosed
	}
	if tx.terminated.Load() {
		tx.endLocked(StatusTerminated)
		return fmt.Errorf("%w: %s", ErrTransactionTerminated, tx.id)
	}

	if len(tx.metadata) > 0 {
		tx.mgr.log.WithFields(logrus.Fields{
			"tx":       tx.id,
			"metadata": tx.metadata,
		}).Debug("committing transaction")
	}
	tx.endLocked(StatusCommitted)
	return nil
}

// Rollback ends the transaction and releases its locks. Rolling back an
// ended transaction returns ErrTransactionClosed.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusActive {
		return ErrTransactionClosed
	}
	if tx.terminated.Load() {
		tx.endLocked(StatusTerminated)
	} else {
		tx.endLocked(StatusRolledBack)
	}
	return nil
}

// Terminate marks the transaction for abort and wakes it if it is blocked
// on a lock. Locks stay held until the owner calls Rollback or Commit.
func (tx *Transaction) Terminate(reason error) {
	if reason == nil {
		reason = ErrTransactionTerminated
	}
	if !tx.terminated.CompareAndSwap(false, true) {
		return
	}
	tx.client.Stop(reason)
	tx.mgr.log.WithFields(logrus.Fields{
		"tx":     tx.id,
		"reason": reason.Error(),
	}).Debug("transaction terminated")
}

// Elapsed returns the time since Begin.
func (tx *Transaction) Elapsed() time.Duration {
	return time.Since(tx.startTime)
}

// SetMetadata merges metadata into the transaction for logging. The summed
// size of keys and values is limited to 2048 characters.
func (tx *Transaction) SetMetadata(metadata map[string]any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusActive {
		return ErrTransactionClosed
	}

	totalSize := 0
	for k, v := range tx.metadata {
		if _, replaced := metadata[k]; replaced {
			continue
		}
		totalSize += len(k) + len(fmt.Sprint(v))
	}
	for k, v := range metadata {
		totalSize += len(k)
		if v != nil {
			totalSize += len(fmt.Sprint(v))
		}
	}
	if totalSize > maxMetadataSize {
		return fmt.Errorf("transaction metadata too large: %d chars (max %d)", totalSize, maxMetadataSize)
	}

	for k, v := range metadata {
		tx.metadata[k] = v
	}
	return nil
}

// Metadata returns a copy of the transaction metadata.
func (tx *Transaction) Metadata() map[string]any {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	result := make(map[string]any, len(tx.metadata))
	for k, v := range tx.metadata {
		result[k] = v
	}
	return result
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("Transaction{id: %s, status: %s, locks: %d}", tx.id, tx.Status(), tx.client.LockCount())
}

func (tx *Transaction) checkOpen() error {
	if !tx.IsActive() {
		return ErrTransactionClosed
	}
	if tx.terminated.Load() {
		return fmt.Errorf("%w: %s", ErrTransactionTerminated, tx.id)
	}
	return nil
}

func (tx *Transaction) wrap(err error) error {
	if err != nil && errors.Is(err, locking.ErrClientStopped) {
		return fmt.Errorf("%w: %s: %w", ErrTransactionTerminated, tx.id, err)
	}
	return err
}

// endLocked releases every lock exactly once. Caller holds mu.
func (tx *Transaction) endLocked(status Status) {
	tx.status = status
	tx.client.Close()
	tx.mgr.active.CompareAndDelete(tx.id, tx)
}
