package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType defines the kind of command read from the controller.
type CommandType string

const (
	CommandTypeRun  CommandType = "run"  // CommandTypeRun starts a session.
	CommandTypeStop CommandType = "stop" // CommandTypeStop terminates a session.
	CommandTypeQuit CommandType = "quit" // CommandTypeQuit tears down every session and exits.
)

// ErrUnknownCommand is returned for well-formed records with an unrecognised type.
var ErrUnknownCommand = errors.New("unknown command type")

// Command is a decoded inbound record.
type Command struct {
	Type CommandType `json:"type"`

	// RunID names the session for run and stop.
	RunID string `json:"runId,omitempty"`

	// ConnectorPath locates the connector module for run.
	ConnectorPath string `json:"connectorPath,omitempty"`

	// URL is the initial navigation target for run. Optional.
	URL string `json:"url,omitempty"`
}

// DecodeError describes a record that could not be turned into a Command.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed command %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed command %q: %s", e.Line, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeCommand parses a single protocol record.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, &DecodeError{Line: truncate(string(line)), Reason: "invalid JSON", Err: err}
	}

	switch cmd.Type {
	case CommandTypeRun:
		if cmd.RunID == "" {
			return Command{}, &DecodeError{Line: truncate(string(line)), Reason: "run requires runId"}
		}
		if cmd.ConnectorPath == "" {
			return Command{}, &DecodeError{Line: truncate(string(line)), Reason: "run requires connectorPath"}
		}
	case CommandTypeStop:
		if cmd.RunID == "" {
			return Command{}, &DecodeError{Line: truncate(string(line)), Reason: "stop requires runId"}
		}
	case CommandTypeQuit:
	case "":
		return Command{}, &DecodeError{Line: truncate(string(line)), Reason: "missing type"}
	default:
		return cmd, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Type)
	}

	return cmd, nil
}

const maxQuotedLine = 200

func truncate(s string) string {
	if len(s) <= maxQuotedLine {
		return s
	}
	return s[:maxQuotedLine] + "..."
}
