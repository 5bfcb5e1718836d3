// Package prototest provides an in-memory event sink for tests.
package prototest

import (
	"sync"
	"time"

	"github.com/entrhq/harvest/pkg/protocol"
)

// Recorder collects emitted events in order.
type Recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit records a copy of ev.
func (r *Recorder) Emit(ev *protocol.Event) error {
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForRun returns the events scoped to runID.
func (r *Recorder) ForRun(runID string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range r.Events() {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until match returns true for some recorded event or the
// timeout expires. It returns the matching event.
func (r *Recorder) WaitFor(timeout time.Duration, match func(protocol.Event) bool) (protocol.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		for _, ev := range r.Events() {
			if match(ev) {
				return ev, true
			}
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return protocol.Event{}, false
		}
	}
}

// WaitForStatus waits for a status event with the given value.
func (r *Recorder) WaitForStatus(timeout time.Duration, runID string, status protocol.Status) bool {
	_, ok := r.WaitFor(timeout, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventTypeStatus && ev.RunID == runID && ev.Status == status
	})
	return ok
}
