// Package capability implements the operations a connector may perform
// against its session: page control, data reporting, user prompts and
// network capture.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/harvest/pkg/browser"
	"github.com/entrhq/harvest/pkg/capture"
	"github.com/entrhq/harvest/pkg/logging"
	"github.com/entrhq/harvest/pkg/protocol"
)

// StatusKey is the setData key whose value is also surfaced as a log line.
const StatusKey = "status"

// DefaultPollInterval is used by PromptUser when no positive interval is given.
const DefaultPollInterval = time.Second

// API is bound to exactly one session. Every event it emits carries the
// session's run id.
type API struct {
	runID    string
	page     browser.Page
	captures *capture.Engine
	sink     protocol.Sink
	logger   *logging.Logger
}

// New binds an API to a session's page, capture engine and event sink.
func New(runID string, page browser.Page, captures *capture.Engine, sink protocol.Sink) *API {
	return &API{
		runID:    runID,
		page:     page,
		captures: captures,
		sink:     sink,
		logger:   logging.NewLogger("capability").WithRun(runID),
	}
}

func (a *API) emit(ev *protocol.Event) {
	if err := a.sink.Emit(ev); err != nil {
		a.logger.Warnf("Failed to emit %s event: %v", ev.Type, err)
	}
}

// Navigate loads url in the session page.
func (a *API) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.emit(protocol.NewLogEvent(a.runID, "Navigating to "+url))
	if err := a.page.Goto(ctx, url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Evaluate runs expression in the page and returns its value.
func (a *API) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := a.page.Evaluate(ctx, expression)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return v, nil
}

// Sleep pauses for d or until ctx is done.
func (a *API) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetData reports a named value to the host.
func (a *API) SetData(key string, value interface{}) {
	a.emit(protocol.NewDataEvent(a.runID, key, value))
	if key == StatusKey {
		a.emit(protocol.NewLogEvent(a.runID, fmt.Sprint(value)))
	}
}

// PromptUser asks the user to act in the browser and blocks until check
// reports true. The session is WAITING_FOR_USER meanwhile.
func (a *API) PromptUser(ctx context.Context, message string, check func(context.Context) (bool, error), interval time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	a.emit(protocol.NewLogEvent(a.runID, message))
	a.emit(protocol.NewStatusEvent(a.runID, protocol.StatusWaitingForUser))
	a.logger.Infof("Waiting for user: %s", message)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.emit(protocol.NewStatusEvent(a.runID, protocol.StatusRunning))
	return nil
}

// CaptureNetwork registers (or replaces) a capture.
func (a *API) CaptureNetwork(reg capture.Registration) {
	a.logger.Debugf("Capturing %q on %q", reg.Key, reg.URLPattern)
	a.captures.Register(reg)
}

// CapturedResponse returns the response stored under key.
func (a *API) CapturedResponse(key string) (capture.Response, bool) {
	return a.captures.Captured(key)
}

// ClearNetworkCaptures drops all registrations and stored responses.
func (a *API) ClearNetworkCaptures() {
	a.captures.Clear()
}

// Log forwards a connector message to the host.
func (a *API) Log(message string) {
	a.emit(protocol.NewLogEvent(a.runID, message))
}

// CurrentURL returns the page's current location.
func (a *API) CurrentURL() string {
	return a.page.URL()
}
