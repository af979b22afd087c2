package tracing

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/resource"
)

// ErrJournalClosed is returned by journal operations after Close.
var ErrJournalClosed = errors.New("wait journal closed")

// prefixWait prefixes every wait record key. The rest of the key is the
// big-endian sequence number, so keys sort in write order.
const prefixWait = byte('w')

const (
	defaultJournalBuffer = 4096
	defaultJournalBatch  = 256
)

// WaitRecord is one finished lock wait.
type WaitRecord struct {
	Seq      uint64        `json:"seq"`
	ClientID int64         `json:"client_id"`
	Mode     string        `json:"mode"`
	Type     string        `json:"type"`
	IDs      []int64       `json:"ids"`
	Started  time.Time     `json:"started"`
	Waited   time.Duration `json:"waited_ns"`
}

// JournalOptions configures a Journal.
type JournalOptions struct {
	// Dir is the badger directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps the journal in RAM. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each batch.
	SyncWrites bool

	// BufferSize bounds records queued for the writer. Records that do not
	// fit are dropped and counted. Defaults to 4096.
	BufferSize int

	// BatchSize bounds records per write batch. Defaults to 256.
	BatchSize int

	// Log receives writer errors and badger's own log output. Nil keeps
	// both quiet.
	Log logrus.FieldLogger
}

// JournalStats summarizes journal activity since Open.
type JournalStats struct {
	Written int64
	Dropped int64
	Errors  int64
}

// Journal records finished lock waits in badger.
//
// Closing a wait event never touches disk: the record is queued and a
// background writer stores queued records with write batches. The journal
// is diagnostic history only and is not read back by the lock manager.
//
// Example:
//
//	journal, err := tracing.OpenJournal(tracing.JournalOptions{Dir: "./data/waits"})
//	if err != nil {
//		return err
//	}
//	defer journal.Close()
//
//	_ = client.AcquireShared(journal, resource.Label, 3)
//
//	recent, err := journal.Recent(20)
//	for _, r := range recent {
//		fmt.Printf("client %d waited %s on %s%v\n", r.ClientID, r.Waited, r.Type, r.IDs)
//	}
//
// ELI12:
//
// The journal is a notebook kept by a helper at the back of the room. Kids
// drop sticky notes in a tray whenever a wait ends and walk away at once;
// the helper picks up a handful of notes at a time and copies them into the
// notebook. If the tray overflows, the extra notes are lost, but nobody ever
// has to stand around waiting for the helper.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type Journal struct {
	db    *badger.DB
	log   logrus.FieldLogger
	batch int

	seq atomic.Uint64

	// mu guards closed against sends on ops.
	mu     sync.RWMutex
	closed bool
	ops    chan journalOp
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	errs    atomic.Int64

	now func() time.Time
}

// journalOp is either a record to store or a flush marker.
type journalOp struct {
	rec     *WaitRecord
	flushed chan struct{}
}

// OpenJournal opens or creates a journal and starts its writer.
func OpenJournal(opts JournalOptions) (*Journal, error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, fmt.Errorf("wait journal: directory required")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultJournalBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultJournalBatch
	}

	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Log != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Log)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}
	badgerOpts = badgerOpts.
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(32 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open wait journal: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = discardLogger()
	}

	j := &Journal{
		db:    db,
		log:   log,
		batch: opts.BatchSize,
		ops:   make(chan journalOp, opts.BufferSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}

	last, err := j.lastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	j.seq.Store(last)

	go j.writer()
	return j, nil
}

// WaitForLock implements locking.WaitTracer.
func (j *Journal) WaitForLock(mode locking.Mode, typ resource.Type, clientID int64, ids ...resource.ID) locking.LockWaitEvent {
	return &journalEvent{
		j: j,
		rec: WaitRecord{
			ClientID: clientID,
			Mode:     mode.String(),
			Type:     typ.String(),
			IDs:      idList(ids),
			Started:  j.now(),
		},
	}
}

type journalEvent struct {
	j   *Journal
	rec WaitRecord
}

func (e *journalEvent) Close() {
	e.rec.Waited = e.j.now().Sub(e.rec.Started)
	e.j.enqueue(&e.rec)
}

func (j *Journal) enqueue(rec *WaitRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.ops <- journalOp{rec: rec}:
	default:
		j.dropped.Add(1)
	}
}

// Flush blocks until every record queued before the call is stored.
func (j *Journal) Flush() error {
	flushed := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrJournalClosed
	}
	j.ops <- journalOp{flushed: flushed}
	j.mu.RUnlock()

	<-flushed
	return nil
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(n int) ([]WaitRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []WaitRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte{prefixWait}
		opts.PrefetchSize = min(n, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(waitKey(^uint64(0))); it.ValidForPrefix(opts.Prefix) && len(out) < n; it.Next() {
			var rec WaitRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode wait record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored records.
func (j *Journal) Len() (int, error) {
	n := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixWait}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Stats returns writer counters.
func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Errors:  j.errs.Load(),
	}
}

// Close stops accepting records, waits for queued records to be stored and
// closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

func (j *Journal) writer() {
	defer close(j.done)

	pending := make([]journalOp, 0, j.batch)
	for op := range j.ops {
		pending = append(pending[:0], op)
	drain:
		for len(pending) < j.batch {
			select {
			case next, ok := <-j.ops:
				if !ok {
					break drain
				}
				pending = append(pending, next)
			default:
				break drain
			}
		}
		j.store(pending)
	}
}

func (j *Journal) store(ops []journalOp) {
	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	n := 0
	for _, op := range ops {
		if op.rec == nil {
			continue
		}
		op.rec.Seq = j.seq.Add(1)
		val, err := json.Marshal(op.rec)
		if err == nil {
			err = wb.Set(waitKey(op.rec.Seq), val)
		}
		if err != nil {
			j.errs.Add(1)
			j.log.WithError(err).WithField("seq", op.rec.Seq).Warn("wait journal: dropping record")
			continue
		}
		n++
	}
	if n > 0 {
		if err := wb.Flush(); err != nil {
			j.errs.Add(1)
			j.log.WithError(err).WithField("records", n).Error("wait journal: batch write failed")
		} else {
			j.written.Add(int64(n))
		}
	}

	for _, op := range ops {
		if op.flushed != nil {
			close(op.flushed)
		}
	}
}

func (j *Journal) lastSeq() (uint64, error) {
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixWait}
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(waitKey(^uint64(0)))
		if it.ValidForPrefix(opts.Prefix) {
			last = binary.BigEndian.Uint64(it.Item().Key()[1:])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read wait journal sequence: %w", err)
	}
	return last, nil
}

func waitKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixWait
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
