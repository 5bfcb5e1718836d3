// Package session runs connectors, one browser context per run, and
// reports their lifecycle through the event protocol.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/harvest/pkg/browser"
	"github.com/entrhq/harvest/pkg/capability"
	"github.com/entrhq/harvest/pkg/capture"
	"github.com/entrhq/harvest/pkg/connector"
	"github.com/entrhq/harvest/pkg/logging"
	"github.com/entrhq/harvest/pkg/protocol"
)

var (
	// ErrSessionExists is returned when a run id is already live.
	ErrSessionExists = errors.New("session already running")

	// ErrSessionLimit is returned when the maximum number of live sessions is reached.
	ErrSessionLimit = errors.New("maximum number of sessions reached")
)

// Loader produces compiled connectors.
type Loader interface {
	Load(path string) (*connector.Program, error)
}

// TerminalFunc is invoked after a session has emitted its terminal status.
type TerminalFunc func(runID string, status protocol.Status)

// Options configures a Manager.
type Options struct {
	// MaxSessions bounds concurrently live sessions. Zero means no limit.
	MaxSessions int
}

// Manager owns the session registry. It is safe for concurrent use.
type Manager struct {
	engine browser.Engine
	loader Loader
	sink   protocol.Sink
	opts   Options
	logger *logging.Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	onTerminal TerminalFunc

	wg sync.WaitGroup
}

// NewManager creates a manager that opens contexts on engine. The engine
// must already be started.
func NewManager(engine browser.Engine, loader Loader, sink protocol.Sink, opts Options) *Manager {
	return &Manager{
		engine:   engine,
		loader:   loader,
		sink:     sink,
		opts:     opts,
		logger:   logging.NewLogger("session-manager"),
		sessions: make(map[string]*Session),
	}
}

// OnTerminal registers fn to be called after every terminal status.
func (m *Manager) OnTerminal(fn TerminalFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Start registers a session for req and runs it in the background.
// Rejections are reported as error events and returned.
func (m *Manager) Start(ctx context.Context, req RunRequest) error {
	m.mu.Lock()
	if _, exists := m.sessions[req.RunID]; exists {
		m.mu.Unlock()
		m.emit(protocol.NewErrorEvent(req.RunID, fmt.Sprintf("Session %s is already running", req.RunID)))
		return fmt.Errorf("%w: %s", ErrSessionExists, req.RunID)
	}
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		m.emit(protocol.NewErrorEvent(req.RunID, fmt.Sprintf("Maximum number of sessions (%d) reached", m.opts.MaxSessions)))
		return fmt.Errorf("%w (%d)", ErrSessionLimit, m.opts.MaxSessions)
	}

	s := newSession(context.WithoutCancel(ctx), req)
	m.sessions[req.RunID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	metricActiveSessions.Inc()
	s.logger.Infof("Starting connector %s", req.ConnectorPath)

	go m.run(s)
	return nil
}

// Stop tears down the session for runID. Unknown ids are ignored.
func (m *Manager) Stop(runID string) {
	m.mu.Lock()
	s, ok := m.sessions[runID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Infof("Stopping session")
	s.stop()
}

// Shutdown stops every live session, waits for their tasks and closes the
// browser engine. Teardown is best-effort; ctx bounds the wait.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	m.logger.Infof("Shutting down %d session(s)", len(live))

	var g errgroup.Group
	for _, s := range live {
		s := s
		g.Go(func() error {
			s.stop()
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("sessions did not finish: %w", ctx.Err())
		m.logger.Warnf("%v", waitErr)
	}

	if err := m.engine.Close(); err != nil {
		m.logger.Warnf("Failed to close browser engine: %v", err)
	}
	return waitErr
}

// Sessions lists live sessions ordered by run id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RunID < infos[j].RunID })
	return infos
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) run(s *Session) {
	defer m.wg.Done()

	result, err := m.execute(s)
	m.finish(s, result, err)
}

// execute acquires the session's resources and runs the connector.
func (m *Manager) execute(s *Session) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Session task panicked: %v", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	program, err := m.loader.Load(s.req.ConnectorPath)
	if err != nil {
		return nil, err
	}

	bctx, err := m.engine.NewContext(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	runID := s.req.RunID
	sink := s.gate(m.sink)
	captures := capture.NewEngine(func(key, url string) {
		if err := sink.Emit(protocol.NewNetworkCapturedEvent(runID, key, url)); err != nil {
			s.logger.Warnf("Failed to emit network-captured event: %v", err)
		}
	})
	if !s.attach(bctx, captures) {
		if err := bctx.Close(); err != nil {
			s.logger.Warnf("Failed to close browser context: %v", err)
		}
		return nil, connector.ErrStopped
	}

	page, err := bctx.NewPage(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	captures.Attach(page)

	api := capability.New(runID, page, captures, sink)
	if s.req.URL != "" {
		if err := api.Navigate(s.ctx, s.req.URL); err != nil {
			return nil, err
		}
	}

	s.setState(StateRunning)
	m.emit(protocol.NewStatusEvent(runID, protocol.StatusRunning))

	return connector.Run(s.ctx, program, api)
}

// finish reports the outcome, releases the session and removes it from the
// registry before the terminal status goes out.
func (m *Manager) finish(s *Session, result interface{}, err error) {
	runID := s.req.RunID
	s.seal()

	if err == nil {
		if _, encErr := json.Marshal(result); encErr != nil {
			err = fmt.Errorf("connector result is not serializable: %w", encErr)
		}
	}

	var status protocol.Status
	switch {
	case s.stopped.Load():
		status = protocol.StatusStopped
		s.setState(StateStopped)
		s.release()
	case err != nil:
		status = protocol.StatusError
		s.setState(StateError)
		s.logger.Warnf("Connector failed: %v", err)
		s.closeCaptures()
		m.emit(protocol.NewErrorEvent(runID, errorMessage(err)))
		s.release()
	default:
		status = protocol.StatusComplete
		s.setState(StateComplete)
		s.closeCaptures()
		m.emit(protocol.NewResultEvent(runID, result))
		s.release()
	}

	m.remove(s)
	m.emit(protocol.NewStatusEvent(runID, status))
	metricActiveSessions.Dec()
	metricSessionsFinished.WithLabelValues(string(status)).Inc()
	s.logger.Infof("Session finished with status %s", status)

	m.mu.Lock()
	onTerminal := m.onTerminal
	m.mu.Unlock()
	if onTerminal != nil {
		onTerminal(runID, status)
	}
}

// errorMessage returns the text reported in error events.
func errorMessage(err error) string {
	var scriptErr *connector.ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr.Message
	}
	return err.Error()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.req.RunID] == s {
		delete(m.sessions, s.req.RunID)
	}
}

func (m *Manager) emit(ev *protocol.Event) {
	if err := m.sink.Emit(ev); err != nil {
		m.logger.Warnf("Failed to emit %s event: %v", ev.Type, err)
	}
}
