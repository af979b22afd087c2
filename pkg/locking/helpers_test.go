package locking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphlock/pkg/resource"
)

// traceCall is one recorded tracer interaction.
type traceCall struct {
	client int64
	begin  bool
	mode   Mode
	typ    resource.Type
	ids    []resource.ID
}

// recordingTracer keeps every begin and close in order.
type recordingTracer struct {
	mu    sync.Mutex
	calls []traceCall
}

func (r *recordingTracer) WaitForLock(mode Mode, typ resource.Type, clientID int64, ids ...resource.ID) LockWaitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, traceCall{client: clientID, begin: true, mode: mode, typ: typ, ids: ids})
	return &recordedEvent{r: r, client: clientID}
}

func (r *recordingTracer) waits(clientID int64) (begins, ends int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.client != clientID {
			continue
		}
		if c.begin {
			begins++
		} else {
			ends++
		}
	}
	return begins, ends
}

func (r *recordingTracer) snapshot() []traceCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]traceCall(nil), r.calls...)
}

type recordedEvent struct {
	r      *recordingTracer
	client int64
	closes int
}

func (e *recordedEvent) Close() {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	e.closes++
	e.r.calls = append(e.r.calls, traceCall{client: e.client})
}

// acquireAsync runs an exclusive or shared acquire on its own goroutine.
func acquireAsync(c *Client, tracer WaitTracer, mode Mode, typ resource.Type, ids ...resource.ID) <-chan error {
	done := make(chan error, 1)
	go func() {
		if mode == Exclusive {
			done <- c.AcquireExclusive(tracer, typ, ids...)
		} else {
			done <- c.AcquireShared(tracer, typ, ids...)
		}
	}()
	return done
}

// waitParked blocks until c has a published wait.
func waitParked(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.waiting.Load() != nil
	}, 5*time.Second, time.Millisecond, "client %d never parked", c.id)
}

// waitResult fails the test if done does not deliver within a few seconds.
func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not return")
		return nil
	}
}

// requireBlocked asserts done has not delivered yet.
func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}
