package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/harvest/pkg/browser"
	"github.com/entrhq/harvest/pkg/capture"
	"github.com/entrhq/harvest/pkg/logging"
	"github.com/entrhq/harvest/pkg/protocol"
)

// State is the lifecycle position of a session.
type State string

const (
	StateCreated  State = "CREATED"
	StateRunning  State = "RUNNING"
	StateComplete State = "COMPLETE"
	StateError    State = "ERROR"
	StateStopped  State = "STOPPED"
)

// RunRequest describes a connector run.
type RunRequest struct {
	RunID         string
	ConnectorPath string
	URL           string
}

// Info is a point-in-time view of a live session.
type Info struct {
	RunID         string    `json:"runId"`
	ConnectorPath string    `json:"connectorPath"`
	URL           string    `json:"url,omitempty"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
}

// Session is one connector run bound to its own browser context.
type Session struct {
	req       RunRequest
	startedAt time.Time
	logger    *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu       sync.Mutex
	state    State
	bctx     browser.Context
	captures *capture.Engine
	released bool

	releaseOnce sync.Once

	emitMu sync.Mutex
	sealed bool
}

func newSession(parent context.Context, req RunRequest) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		req:       req,
		startedAt: time.Now(),
		logger:    logging.NewLogger("session").WithRun(req.RunID),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateCreated,
	}
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		RunID:         s.req.RunID,
		ConnectorPath: s.req.ConnectorPath,
		URL:           s.req.URL,
		State:         s.state,
		StartedAt:     s.startedAt,
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// attach hands the acquired resources to the session. It reports false
// when the session was already released, in which case the caller still
// owns bctx.
func (s *Session) attach(bctx browser.Context, captures *capture.Engine) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.bctx = bctx
	s.captures = captures
	return true
}

func (s *Session) closeCaptures() {
	s.mu.Lock()
	captures := s.captures
	s.mu.Unlock()
	if captures != nil {
		captures.Close()
	}
}

// gate wraps sink for events raised by the connector's own operations.
// Nothing passes once the session is sealed.
func (s *Session) gate(sink protocol.Sink) protocol.Sink {
	return protocol.SinkFunc(func(ev *protocol.Event) error {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		if s.sealed {
			return nil
		}
		return sink.Emit(ev)
	})
}

// seal cancels the session context and closes the gate. When it returns no
// gated emit is in flight.
func (s *Session) seal() {
	s.cancel()
	s.emitMu.Lock()
	s.sealed = true
	s.emitMu.Unlock()
}

// stop marks the session stopped and tears it down.
func (s *Session) stop() {
	s.stopped.Store(true)
	s.release()
}

// release frees the session's resources exactly once. Errors are logged
// and never retried.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.released = true
		bctx, captures := s.bctx, s.captures
		s.mu.Unlock()

		if captures != nil {
			captures.Close()
		}
		if bctx != nil {
			if err := bctx.Close(); err != nil {
				s.logger.Warnf("Failed to close browser context: %v", err)
			}
		}
		s.logger.Debugf("Session released")
	})
}
