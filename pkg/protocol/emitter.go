package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Sink receives outbound events. The Emitter is the production sink; tests
// substitute a recorder.
type Sink interface {
	Emit(ev *Event) error
}

// Emitter writes events as newline-delimited JSON. It is safe for
// concurrent use; each event is written with a single Write call.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit serializes ev and writes it as one line.
func (e *Emitter) Emit(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	return nil
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev *Event) error

// Emit calls f(ev).
func (f SinkFunc) Emit(ev *Event) error {
	return f(ev)
}
