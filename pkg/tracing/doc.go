// Package tracing provides WaitTracer implementations for the lock manager.
//
// A tracer is notified when a lock request cannot be granted immediately and
// the requesting goroutine is about to park; the returned event is closed
// exactly once when the wait ends, whatever the outcome. Requests that are
// granted at once produce no tracer calls.
//
// Available tracers:
//   - Counting: atomic counters per client and in total, for tests and stats
//   - Logging: structured logrus entries, with a warning for slow waits
//   - Journal: badger-backed history of finished waits
//   - Multi: fan-out to several tracers
//
// Example:
//
//	counts := tracing.NewCounting()
//	journal, err := tracing.OpenJournal(tracing.JournalOptions{Dir: "./data/waits"})
//	if err != nil {
//		return err
//	}
//	defer journal.Close()
//
//	tracer := tracing.Multi(counts, tracing.NewLogging(log, 100*time.Millisecond), journal)
//	err = client.AcquireExclusive(tracer, resource.Node, 17)
//
// ELI12:
//
// Imagine a line at the water fountain. Most kids walk up and drink right
// away and nobody writes anything down. When someone has to wait, a helper
// starts a stopwatch, and stops it when that kid finally drinks (or gives up
// and leaves). The tracers are different helpers: one just counts, one
// shouts when a wait is really long, and one writes every wait in a notebook.
package tracing
