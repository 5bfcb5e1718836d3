package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrPathDenied is returned when the guard rejects a connector path.
	ErrPathDenied = errors.New("connector path not allowed")

	// ErrNoEntry is returned when a connector exports no callable entry.
	ErrNoEntry = errors.New("connector must export an entry function")

	// ErrNotSettled is returned when the entry's promise can never settle
	// because no host operation is outstanding.
	ErrNotSettled = errors.New("connector promise never settled")

	// ErrStopped is returned when the run context is cancelled.
	ErrStopped = errors.New("connector stopped")
)

// ScriptError is a failure raised by connector code: an uncaught
// exception, a rejected promise or a host-side panic.
type ScriptError struct {
	Path    string
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}
