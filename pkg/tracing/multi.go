package tracing

import (
	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/resource"
)

// Multi returns a tracer that forwards each wait to every non-nil tracer in
// order and closes their events in reverse order.
func Multi(tracers ...locking.WaitTracer) locking.WaitTracer {
	var live []locking.WaitTracer
	for _, t := range tracers {
		if t != nil {
			live = append(live, t)
		}
	}
	switch len(live) {
	case 0:
		return locking.NoopTracer
	case 1:
		return live[0]
	}
	return multiTracer(live)
}

type multiTracer []locking.WaitTracer

func (m multiTracer) WaitForLock(mode locking.Mode, typ resource.Type, clientID int64, ids ...resource.ID) locking.LockWaitEvent {
	events := make(multiEvent, len(m))
	for i, t := range m {
		events[i] = t.WaitForLock(mode, typ, clientID, ids...)
	}
	return events
}

type multiEvent []locking.LockWaitEvent

func (m multiEvent) Close() {
	for i := len(m) - 1; i >= 0; i-- {
		m[i].Close()
	}
}
