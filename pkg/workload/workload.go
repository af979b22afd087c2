// Package workload runs concurrent randomized transactions against a lock
// manager and checks that no two of them ever hold conflicting locks.
//
// Each worker goroutine commits a fixed number of transactions. A
// transaction locks a few node ids one at a time, in random order and with
// random modes, which makes deadlocks common on a small hot set. Rejected
// transactions roll back and retry. After every grant the harness records
// the holder in an occupancy table; a conflicting occupant is a mutual
// exclusion violation.
//
// Example usage:
//
//	res, err := workload.Run(ctx, cfg.Workload, workload.WithTracer(journal))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("committed %d, deadlocks %d, violations %d\n",
//	    res.Committed, res.Deadlocks, res.Violations)
//
// ELI12 (Explain Like I'm 12):
//
// Picture a few kids grabbing crayons from a shared box, several at a time,
// in no particular order. Sometimes two kids each hold a crayon the other
// wants and both get stuck; the lunch monitor makes one of them put everything
// back and try again. Meanwhile a referee watches every crayon and blows the
// whistle if two kids ever color with the same one at once.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/graphlock/pkg/config"
	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/logging"
	"github.com/orneryd/graphlock/pkg/resource"
	"github.com/orneryd/graphlock/pkg/tracing"
	"github.com/orneryd/graphlock/pkg/txn"
)

// hotShare is the fraction of lock picks drawn from the hot set.
const hotShare = 0.8

// Result summarizes a run.
type Result struct {
	Committed  int64         `json:"committed"`
	Deadlocks  int64         `json:"deadlocks"`
	Aborted    int64         `json:"aborted"`
	Violations int64         `json:"violations"`
	Locks      int64         `json:"locks"`
	Waits      int64         `json:"waits"`
	WaitTime   time.Duration `json:"wait_time_ns"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	// LeftoverSlots is the number of live lock slots after every client
	// closed. Anything but zero is a leak.
	LeftoverSlots int `json:"leftover_slots"`
}

// Throughput returns committed transactions per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Committed) / r.Elapsed.Seconds()
}

func (r *Result) String() string {
	return fmt.Sprintf("Result{committed: %d, deadlocks: %d, aborted: %d, violations: %d, waits: %d, elapsed: %s}",
		r.Committed, r.Deadlocks, r.Aborted, r.Violations, r.Waits, r.Elapsed)
}

type options struct {
	tracer      locking.WaitTracer
	log         logrus.FieldLogger
	hashVersion resource.HashVersion
	locks       *locking.Manager
}

// Option configures Run.
type Option func(*options)

// WithTracer adds a tracer to every lock request.
func WithTracer(t locking.WaitTracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the logger for progress and lock manager events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithLockManager runs against an existing lock manager instead of a fresh
// one.
func WithLockManager(m *locking.Manager) Option {
	return func(o *options) { o.locks = m }
}

// WithHashVersion sets the hash version used by the transaction manager.
func WithHashVersion(v resource.HashVersion) Option {
	return func(o *options) { o.hashVersion = v }
}

// Run executes the workload described by cfg. It returns early with the
// context's error if ctx is cancelled; open transactions are terminated and
// rolled back first.
func Run(ctx context.Context, cfg config.WorkloadConfig, opts ...Option) (*Result, error) {
	o := options{hashVersion: resource.DefaultHashVersion}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	if o.locks == nil {
		o.locks = locking.NewManager(locking.WithLogger(o.log))
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	counts := tracing.NewCounting()
	txns := txn.NewManager(o.locks,
		txn.WithTracer(tracing.Multi(counts, o.tracer)),
		txn.WithHashVersion(o.hashVersion),
		txn.WithLogger(o.log),
	)

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	r := &runner{
		cfg:   cfg,
		txns:  txns,
		check: newOccupancy(cfg.Resources),
		log:   o.log,
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	stop := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			txns.TerminateAll(context.Cause(gctx))
		case <-stop:
		}
	}()

	for i := 0; i < cfg.Clients; i++ {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(i)))
		g.Go(func() error {
			return r.worker(gctx, i, rng)
		})
	}
	err := g.Wait()
	close(stop)

	res := &Result{
		Committed:     r.committed.Load(),
		Deadlocks:     r.deadlocks.Load(),
		Aborted:       r.aborted.Load(),
		Violations:    r.check.violations.Load(),
		Locks:         r.locks.Load(),
		Waits:         counts.Begins(),
		WaitTime:      counts.TotalWait(),
		Elapsed:       time.Since(start),
		LeftoverSlots: o.locks.Table().Slots(),
	}
	o.log.WithFields(logrus.Fields{
		"committed":  res.Committed,
		"deadlocks":  res.Deadlocks,
		"aborted":    res.Aborted,
		"violations": res.Violations,
		"elapsed":    res.Elapsed.String(),
	}).Info("workload finished")

	return res, err
}

func validate(cfg config.WorkloadConfig) error {
	switch {
	case cfg.Clients <= 0:
		return fmt.Errorf("workload: clients must be positive, got %d", cfg.Clients)
	case cfg.Resources <= 0:
		return fmt.Errorf("workload: resources must be positive, got %d", cfg.Resources)
	case cfg.Transactions <= 0:
		return fmt.Errorf("workload: transactions must be positive, got %d", cfg.Transactions)
	case cfg.LocksPerTx <= 0 || cfg.LocksPerTx > cfg.Resources:
		return fmt.Errorf("workload: locks per transaction must be in [1, %d], got %d", cfg.Resources, cfg.LocksPerTx)
	case cfg.HotSet < 0 || cfg.HotSet > cfg.Resources:
		return fmt.Errorf("workload: hot set must be in [0, %d], got %d", cfg.Resources, cfg.HotSet)
	}
	return nil
}

type runner struct {
	cfg   config.WorkloadConfig
	txns  *txn.Manager
	check *occupancy
	log   logrus.FieldLogger

	committed atomic.Int64
	deadlocks atomic.Int64
	aborted   atomic.Int64
	locks     atomic.Int64
}

// grant is one lock taken by the running transaction.
type grant struct {
	id   int
	mode locking.Mode
}

func (r *runner) worker(ctx context.Context, worker int, rng *rand.Rand) error {
	for n := 0; n < r.cfg.Transactions; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.transaction(ctx, rng); err != nil {
			return fmt.Errorf("worker %d, transaction %d: %w", worker, n, err)
		}
	}
	return nil
}

// transaction commits one unit of work, retrying deadlocks up to the
// configured limit.
func (r *runner) transaction(ctx context.Context, rng *rand.Rand) error {
	ids := r.pick(rng)
	modes := make([]locking.Mode, len(ids))
	for i := range modes {
		modes[i] = locking.Shared
		if rng.Float64() < r.cfg.ExclusiveRatio {
			modes[i] = locking.Exclusive
		}
	}

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.attempt(ids, modes)
		switch {
		case err == nil:
			r.committed.Add(1)
			return nil
		case locking.IsRetryable(err):
			r.deadlocks.Add(1)
		case errors.Is(err, txn.ErrTransactionTerminated):
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		default:
			return err
		}
	}
	r.aborted.Add(1)
	r.log.WithFields(logrus.Fields{
		"ids":     ids,
		"retries": r.cfg.MaxRetries,
	}).Debug("transaction gave up after repeated deadlocks")
	return nil
}

func (r *runner) attempt(ids []int, modes []locking.Mode) (err error) {
	tx := r.txns.Begin()
	held := make([]grant, 0, len(ids))
	defer func() {
		// vacate before the locks go away
		for _, g := range held {
			r.check.exit(g.id, g.mode)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, id := range ids {
		if err := tx.Lock(modes[i], resource.Node, resource.ID(id)); err != nil {
			return err
		}
		r.locks.Add(1)
		r.check.enter(id, modes[i])
		held = append(held, grant{id: id, mode: modes[i]})
		runtime.Gosched()
	}

	for _, g := range held {
		r.check.exit(g.id, g.mode)
	}
	held = held[:0]
	return tx.Commit()
}

// pick returns LocksPerTx distinct ids in random order, mostly from the hot
// set.
func (r *runner) pick(rng *rand.Rand) []int {
	seen := make(map[int]bool, r.cfg.LocksPerTx)
	ids := make([]int, 0, r.cfg.LocksPerTx)
	for len(ids) < r.cfg.LocksPerTx {
		var id int
		if r.cfg.HotSet > 0 && rng.Float64() < hotShare {
			id = rng.IntN(r.cfg.HotSet)
		} else {
			id = rng.IntN(r.cfg.Resources)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// occupancy tracks who is inside each resource: n > 0 readers, -1 one
// writer, 0 nobody.
type occupancy struct {
	slots      []atomic.Int64
	violations atomic.Int64
}

func newOccupancy(n int) *occupancy {
	return &occupancy{slots: make([]atomic.Int64, n)}
}

func (o *occupancy) enter(id int, mode locking.Mode) {
	s := &o.slots[id]
	if mode == locking.Exclusive {
		if !s.CompareAndSwap(0, -1) {
			o.violations.Add(1)
		}
		return
	}
	for {
		v := s.Load()
		if v < 0 {
			o.violations.Add(1)
			return
		}
		if s.CompareAndSwap(v, v+1) {
			return
		}
	}
}

func (o *occupancy) exit(id int, mode locking.Mode) {
	s := &o.slots[id]
	if mode == locking.Exclusive {
		s.CompareAndSwap(-1, 0)
		return
	}
	for {
		v := s.Load()
		if v <= 0 {
			return
		}
		if s.CompareAndSwap(v, v-1) {
			return
		}
	}
}
