package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType defines the type of event written to the controller.
type EventType string

const (
	EventTypeReady           EventType = "ready"            // EventTypeReady is emitted once the runner accepts commands.
	EventTypeLog             EventType = "log"              // EventTypeLog carries a diagnostic message, optionally scoped to a run.
	EventTypeStatus          EventType = "status"           // EventTypeStatus reports a session status transition.
	EventTypeData            EventType = "data"             // EventTypeData reports a key/value pair set by a connector.
	EventTypeNetworkCaptured EventType = "network-captured" // EventTypeNetworkCaptured announces a stored network capture.
	EventTypeResult          EventType = "result"           // EventTypeResult carries the value returned by a connector.
	EventTypeError           EventType = "error"            // EventTypeError reports a session-fatal failure.
)

// Status is the externally visible state of a session.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusWaitingForUser Status = "WAITING_FOR_USER"
	StatusComplete       Status = "COMPLETE"
	StatusError          Status = "ERROR"
	StatusStopped        Status = "STOPPED"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

// Event is a single outbound record. Only the fields relevant to Type are
// serialized; see MarshalJSON.
type Event struct {
	// Type indicates the kind of event.
	Type EventType

	// RunID scopes the event to a session. Optional for log events.
	RunID string

	// Message holds text for log and error events.
	Message string

	// Status is the new state for status events.
	Status Status

	// Key names the data entry or capture for data and network-captured events.
	Key string

	// URL is the captured response URL for network-captured events.
	URL string

	// Value is the connector-supplied payload for data and result events.
	Value interface{}
}

// NewReadyEvent creates the startup event.
func NewReadyEvent() *Event {
	return &Event{Type: EventTypeReady}
}

// NewLogEvent creates a log event. runID may be empty for process-level messages.
func NewLogEvent(runID, message string) *Event {
	return &Event{Type: EventTypeLog, RunID: runID, Message: message}
}

// NewStatusEvent creates a status transition event.
func NewStatusEvent(runID string, status Status) *Event {
	return &Event{Type: EventTypeStatus, RunID: runID, Status: status}
}

// NewDataEvent creates a data event.
func NewDataEvent(runID, key string, value interface{}) *Event {
	return &Event{Type: EventTypeData, RunID: runID, Key: key, Value: value}
}

// NewNetworkCapturedEvent creates a capture announcement.
func NewNetworkCapturedEvent(runID, key, url string) *Event {
	return &Event{Type: EventTypeNetworkCaptured, RunID: runID, Key: key, URL: url}
}

// NewResultEvent creates the result event for a completed connector.
func NewResultEvent(runID string, value interface{}) *Event {
	return &Event{Type: EventTypeResult, RunID: runID, Value: value}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(runID, message string) *Event {
	return &Event{Type: EventTypeError, RunID: runID, Message: message}
}

// MarshalJSON renders the wire shape for the event type. Required fields are
// always present, even when empty or null.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"type": e.Type}

	switch e.Type {
	case EventTypeReady:
	case EventTypeLog:
		if e.RunID != "" {
			out["runId"] = e.RunID
		}
		out["message"] = e.Message
	case EventTypeStatus:
		out["runId"] = e.RunID
		out["status"] = e.Status
	case EventTypeData:
		out["runId"] = e.RunID
		out["key"] = e.Key
		out["value"] = e.Value
	case EventTypeNetworkCaptured:
		out["runId"] = e.RunID
		out["key"] = e.Key
		out["url"] = e.URL
	case EventTypeResult:
		out["runId"] = e.RunID
		out["data"] = e.Value
	case EventTypeError:
		out["runId"] = e.RunID
		out["message"] = e.Message
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	return json.Marshal(out)
}
