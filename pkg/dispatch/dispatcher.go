// Package dispatch reads controller commands and routes them to the
// session manager.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/entrhq/harvest/pkg/logging"
	"github.com/entrhq/harvest/pkg/protocol"
	"github.com/entrhq/harvest/pkg/session"
)

// MaxLineSize bounds a single command record. Longer records are dropped.
const MaxLineSize = 1 << 20

// Sessions is the part of the session manager the dispatcher drives.
type Sessions interface {
	Start(ctx context.Context, req session.RunRequest) error
	Stop(runID string)
}

// Dispatcher turns input lines into session operations. Run and stop
// return immediately; quit ends Run.
type Dispatcher struct {
	sessions Sessions
	sink     protocol.Sink
	reader   io.Reader
	logger   *logging.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReader sets the command source (default is os.Stdin).
func WithReader(r io.Reader) Option {
	return func(d *Dispatcher) {
		d.reader = r
	}
}

// New creates a dispatcher.
func New(sessions Sessions, sink protocol.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions: sessions,
		sink:     sink,
		reader:   os.Stdin,
		logger:   logging.NewLogger("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type record struct {
	line []byte
	err  error
}

// Run processes commands until quit, end of input or ctx is done. Quit and
// end of input return nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	records := make(chan record)
	go d.read(ctx, records)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				d.logger.Infof("Input closed")
				return nil
			}
			if rec.err != nil {
				d.reject(rec.err)
				continue
			}
			if d.handle(ctx, rec.line) {
				return nil
			}
		}
	}
}

// handle executes one record and reports whether it was quit.
func (d *Dispatcher) handle(ctx context.Context, line []byte) bool {
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		d.reject(err)
		return false
	}

	switch cmd.Type {
	case protocol.CommandTypeRun:
		d.logger.Infof("Run %s (%s)", cmd.RunID, cmd.ConnectorPath)
		err := d.sessions.Start(ctx, session.RunRequest{
			RunID:         cmd.RunID,
			ConnectorPath: cmd.ConnectorPath,
			URL:           cmd.URL,
		})
		if err != nil {
			d.logger.Warnf("Run %s rejected: %v", cmd.RunID, err)
		}
	case protocol.CommandTypeStop:
		d.logger.Infof("Stop %s", cmd.RunID)
		d.sessions.Stop(cmd.RunID)
	case protocol.CommandTypeQuit:
		d.logger.Infof("Quit requested")
		return true
	}
	return false
}

func (d *Dispatcher) reject(err error) {
	var message string
	switch {
	case errors.Is(err, protocol.ErrUnknownCommand):
		message = fmt.Sprintf("Ignoring command: %v", err)
	default:
		message = fmt.Sprintf("Invalid command: %v", err)
	}
	d.logger.Warnf("%s", message)
	if err := d.sink.Emit(protocol.NewLogEvent("", message)); err != nil {
		d.logger.Warnf("Failed to emit log event: %v", err)
	}
}

// read forwards non-empty lines until the input ends.
func (d *Dispatcher) read(ctx context.Context, out chan<- record) {
	defer close(out)

	send := func(rec record) bool {
		select {
		case out <- rec:
			return true
		case <-ctx.Done():
			return false
		}
	}

	br := bufio.NewReaderSize(d.reader, 64*1024)
	for {
		line, err := readLine(br)
		switch {
		case errors.Is(err, errLineTooLong):
			if !send(record{err: err}) {
				return
			}
			continue
		case err != nil:
			if !errors.Is(err, io.EOF) {
				d.logger.Warnf("Failed to read input: %v", err)
			}
			return
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !send(record{line: line}) {
			return
		}
	}
}

var errLineTooLong = fmt.Errorf("command exceeds %d bytes", MaxLineSize)

// readLine returns the next line without its terminator. Oversized lines
// are consumed in full and reported with errLineTooLong.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 && !tooLong {
				return line, nil
			}
			return nil, err
		}
		if !tooLong {
			if len(line)+len(chunk) > MaxLineSize {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return nil, errLineTooLong
	}
	if line == nil {
		line = []byte{}
	}
	return line, nil
}
