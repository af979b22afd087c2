package tracing

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/resource"
)

// Logging writes a debug entry when a wait starts and another when it ends.
// Waits lasting at least the slow threshold are logged at warn level instead.
// A zero threshold disables the warning.
type Logging struct {
	log  logrus.FieldLogger
	slow time.Duration
	now  func() time.Time
}

// NewLogging creates a logging tracer.
func NewLogging(log logrus.FieldLogger, slow time.Duration) *Logging {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Logging{log: log, slow: slow, now: time.Now}
}

// WaitForLock implements locking.WaitTracer.
func (l *Logging) WaitForLock(mode locking.Mode, typ resource.Type, clientID int64, ids ...resource.ID) locking.LockWaitEvent {
	entry := l.log.WithFields(logrus.Fields{
		"client": clientID,
		"mode":   mode.String(),
		"type":   typ.String(),
		"ids":    idList(ids),
	})
	entry.Debug("lock wait started")
	return &loggingEvent{l: l, entry: entry, started: l.now()}
}

type loggingEvent struct {
	l       *Logging
	entry   *logrus.Entry
	started time.Time
}

func (e *loggingEvent) Close() {
	waited := e.l.now().Sub(e.started)
	entry := e.entry.WithField("waited", waited.String())
	if e.l.slow > 0 && waited >= e.l.slow {
		entry.Warn("slow lock wait")
		return
	}
	entry.Debug("lock wait finished")
}

func idList(ids []resource.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
