package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/harvest/pkg/browser/browsertest"
	"github.com/entrhq/harvest/pkg/connector"
	"github.com/entrhq/harvest/pkg/protocol"
	"github.com/entrhq/harvest/pkg/protocol/prototest"
)

const waitTimeout = 5 * time.Second

var connectors = map[string]string{
	"answer.js": `module.exports = function(api) { return 42; };`,
	"slow.js":   `module.exports = async function(api) { await api.sleep(60000); return "late"; };`,
	"throws.js": `module.exports = async function(api) { throw new Error("selector not found"); };`,
	"loose.js": `
module.exports = function(api) {
	api.setData("profile", { name: "Ada", render: function() {} });
	return { a: 1, f: function() {}, n: NaN };
};`,
	"dangling.js": `
module.exports = function(api) {
	api.promptUser("Log in to continue", function() { return false; }, 5);
	api.navigate("https://late.test");
	return "done";
};`,
	"capture.js": `
module.exports = async function(api) {
	api.captureNetwork({ key: "orders", urlPattern: "api/orders" });
	api.setData("status", "waiting for orders");
	while (!api.getCapturedResponse("orders")) {
		await api.sleep(5);
	}
	return api.getCapturedResponse("orders").data;
};`,
}

func newTestManager(t *testing.T, opts Options) (*Manager, *browsertest.Engine, *prototest.Recorder) {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, src := range connectors {
		require.NoError(t, afero.WriteFile(fs, "/connectors/"+name, []byte(src), 0o644))
	}

	engine := browsertest.NewEngine()
	require.NoError(t, engine.Start(context.Background()))
	rec := prototest.NewRecorder()
	m := NewManager(engine, connector.NewLoader(fs, "/connectors", nil), rec, opts)
	return m, engine, rec
}

func blockingGoto(ctx context.Context, url string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_CompletesWithResult(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js", URL: "https://example.test"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusComplete))

	assert.Equal(t, []protocol.Event{
		{Type: protocol.EventTypeLog, RunID: "r1", Message: "Navigating to https://example.test"},
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusRunning},
		{Type: protocol.EventTypeResult, RunID: "r1", Value: int64(42)},
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusComplete},
	}, rec.ForRun("r1"))

	ctxs := engine.Contexts()
	require.Len(t, ctxs, 1)
	assert.Equal(t, 1, ctxs[0].CloseCalls())
	assert.Equal(t, []string{"https://example.test"}, ctxs[0].Pages()[0].Visited())
	assert.Equal(t, 0, m.Len())
}

func TestRun_WithoutURLSkipsNavigation(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusComplete))

	assert.Empty(t, engine.Contexts()[0].Pages()[0].Visited())
	assert.Equal(t, protocol.StatusRunning, rec.ForRun("r1")[0].Status)
}

func TestRun_ConnectorError(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "throws.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusError))

	events := rec.ForRun("r1")
	require.Len(t, events, 3)
	assert.Equal(t, protocol.Event{Type: protocol.EventTypeError, RunID: "r1", Message: "selector not found"}, events[1])
	assert.True(t, engine.Contexts()[0].IsClosed())
}

func TestRun_MissingConnector(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "nope.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusError))

	events := rec.ForRun("r1")
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTypeError, events[0].Type)
	assert.Empty(t, engine.Contexts())
}

func TestRun_NavigationFailure(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})
	engine.GotoFunc = func(ctx context.Context, url string) error {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js", URL: "https://nowhere.test"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusError))

	for _, ev := range rec.ForRun("r1") {
		assert.NotEqual(t, protocol.StatusRunning, ev.Status)
	}
	assert.Equal(t, 1, engine.Contexts()[0].CloseCalls())
}

func TestRun_BrowserContextFailure(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})
	engine.NewContextErr = errors.New("browser crashed")

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusError))
	assert.Equal(t, 0, m.Len())
}

func TestStop_UnknownSessionIsNoop(t *testing.T) {
	m, _, rec := newTestManager(t, Options{})

	m.Stop("ghost")

	assert.Empty(t, rec.ForRun("ghost"))
	assert.Empty(t, rec.Events())
}

func TestStart_DuplicateRunRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "slow.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusRunning))

	err := m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js"})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, ok := rec.WaitFor(waitTimeout, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventTypeError && ev.RunID == "r1"
	})
	assert.True(t, ok)
	assert.Len(t, engine.Contexts(), 1)

	m.Stop("r1")
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusStopped))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestStop_DuringConnectorReportsStoppedOnly(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "slow.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusRunning))

	m.Stop("r1")
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusStopped))

	assert.Equal(t, []protocol.Event{
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusRunning},
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusStopped},
	}, rec.ForRun("r1"))
	assert.Equal(t, 1, engine.Contexts()[0].CloseCalls())

	// A second stop after teardown has no effect.
	m.Stop("r1")
	assert.Equal(t, 1, engine.Contexts()[0].CloseCalls())
}

func TestStop_DuringNavigation(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})
	engine.GotoFunc = blockingGoto

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js", URL: "https://slow.test"}))

	select {
	case bctx := <-engine.Created():
		_, ok := rec.WaitFor(waitTimeout, func(ev protocol.Event) bool { return ev.Type == protocol.EventTypeLog })
		require.True(t, ok)
		m.Stop("r1")
		<-bctx.Done()
	case <-time.After(waitTimeout):
		t.Fatal("browser context was not created")
	}

	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusStopped))
	for _, ev := range rec.ForRun("r1") {
		assert.NotEqual(t, protocol.EventTypeError, ev.Type)
		assert.NotEqual(t, protocol.StatusRunning, ev.Status)
	}
}

func TestRunIDReusableAfterTerminal(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	terminal := make(chan protocol.Status, 2)
	m.OnTerminal(func(runID string, status protocol.Status) {
		terminal <- status
	})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js"}))
	assert.Equal(t, protocol.StatusComplete, <-terminal)

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "throws.js"}))
	assert.Equal(t, protocol.StatusError, <-terminal)

	assert.Len(t, engine.Contexts(), 2)
	assert.Len(t, rec.ForRun("r1"), 6)
}

func TestRegistryClearedBeforeTerminalStatus(t *testing.T) {
	var m *Manager
	var mu sync.Mutex
	var liveAtTerminal []int

	rec := prototest.NewRecorder()
	sink := protocol.SinkFunc(func(ev *protocol.Event) error {
		if ev.Type == protocol.EventTypeStatus && ev.Status.Terminal() {
			mu.Lock()
			liveAtTerminal = append(liveAtTerminal, m.Len())
			mu.Unlock()
		}
		return rec.Emit(ev)
	})

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c/answer.js", []byte(connectors["answer.js"]), 0o644))
	m = NewManager(browsertest.NewEngine(), connector.NewLoader(fs, "/c", nil), sink, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "answer.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusComplete))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, liveAtTerminal)
}

func TestStart_SessionLimit(t *testing.T) {
	m, _, rec := newTestManager(t, Options{MaxSessions: 1})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "a", ConnectorPath: "slow.js"}))
	err := m.Start(context.Background(), RunRequest{RunID: "b", ConnectorPath: "answer.js"})
	assert.ErrorIs(t, err, ErrSessionLimit)

	events := rec.ForRun("b")
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTypeError, events[0].Type)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNetworkCapture(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "capture.js"}))
	_, ok := rec.WaitFor(waitTimeout, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventTypeData && ev.Key == "status"
	})
	require.True(t, ok)

	page := engine.Contexts()[0].Pages()[0]
	page.Deliver("https://shop.test/api/orders?page=1", "", []byte(`{"owner":"first"}`))
	page.Deliver("https://shop.test/api/orders?page=2", "", []byte(`{"owner":"second"}`))

	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusComplete))

	var captured, results []protocol.Event
	for _, ev := range rec.ForRun("r1") {
		switch ev.Type {
		case protocol.EventTypeNetworkCaptured:
			captured = append(captured, ev)
		case protocol.EventTypeResult:
			results = append(results, ev)
		}
	}
	require.Len(t, captured, 1)
	assert.Equal(t, "https://shop.test/api/orders?page=1", captured[0].URL)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]interface{}{"owner": "first"}, results[0].Value)
}

func TestShutdown_StopsEverySession(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, engine, rec := newTestManager(t, Options{})
	engine.GotoFunc = blockingGoto

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "nav", ConnectorPath: "answer.js", URL: "https://slow.test"}))
	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "sleep", ConnectorPath: "slow.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "sleep", protocol.StatusRunning))

	terminal := make(chan string, 2)
	m.OnTerminal(func(runID string, status protocol.Status) {
		assert.Equal(t, protocol.StatusStopped, status)
		terminal <- runID
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Len(t, terminal, 2)
	assert.Equal(t, 0, m.Len())
	assert.True(t, engine.Closed())
	for _, bctx := range engine.Contexts() {
		assert.True(t, bctx.IsClosed())
	}
}

func TestShutdown_ToleratesCloseErrors(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})
	engine.CloseErr = errors.New("already gone")

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "slow.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusRunning))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusStopped))
}

func TestSessions_ListsLiveSessions(t *testing.T) {
	m, _, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "b", ConnectorPath: "slow.js"}))
	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "a", ConnectorPath: "slow.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "a", protocol.StatusRunning))
	require.True(t, rec.WaitForStatus(waitTimeout, "b", protocol.StatusRunning))

	infos := m.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].RunID)
	assert.Equal(t, StateRunning, infos[0].State)
	assert.Equal(t, "slow.js", infos[1].ConnectorPath)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestRun_ValuesAreReportedAsJSON(t *testing.T) {
	m, _, rec := newTestManager(t, Options{})

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "loose.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusComplete))

	assert.Equal(t, []protocol.Event{
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusRunning},
		{Type: protocol.EventTypeData, RunID: "r1", Key: "profile", Value: map[string]interface{}{"name": "Ada"}},
		{Type: protocol.EventTypeResult, RunID: "r1", Value: map[string]interface{}{"a": int64(1), "n": nil}},
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusComplete},
	}, rec.ForRun("r1"))
}

func TestFinish_UnencodableResultReportsError(t *testing.T) {
	m, _, rec := newTestManager(t, Options{})
	s := newSession(context.Background(), RunRequest{RunID: "r1"})
	metricActiveSessions.Inc()

	m.finish(s, map[string]interface{}{"ch": make(chan int)}, nil)

	events := rec.ForRun("r1")
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTypeError, events[0].Type)
	assert.Contains(t, events[0].Message, "not serializable")
	assert.Equal(t, protocol.Event{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusError}, events[1])
}

func TestRun_NoEventsAfterTerminalStatus(t *testing.T) {
	m, engine, rec := newTestManager(t, Options{})
	engine.GotoFunc = blockingGoto

	require.NoError(t, m.Start(context.Background(), RunRequest{RunID: "r1", ConnectorPath: "dangling.js"}))
	require.True(t, rec.WaitForStatus(waitTimeout, "r1", protocol.StatusComplete))
	time.Sleep(50 * time.Millisecond)

	events := rec.ForRun("r1")
	resultAt := -1
	for i, ev := range events {
		if ev.Type == protocol.EventTypeResult {
			resultAt = i
		}
	}
	require.NotEqual(t, -1, resultAt)
	assert.Equal(t, "done", events[resultAt].Value)
	assert.Equal(t, []protocol.Event{
		{Type: protocol.EventTypeStatus, RunID: "r1", Status: protocol.StatusComplete},
	}, events[resultAt+1:])
}

func TestSession_SealDropsLateEvents(t *testing.T) {
	rec := prototest.NewRecorder()
	s := newSession(context.Background(), RunRequest{RunID: "r1"})
	sink := s.gate(rec)

	require.NoError(t, sink.Emit(protocol.NewLogEvent("r1", "before")))
	s.seal()
	require.NoError(t, sink.Emit(protocol.NewLogEvent("r1", "after")))

	assert.Error(t, s.ctx.Err())
	assert.Equal(t, []protocol.Event{{Type: protocol.EventTypeLog, RunID: "r1", Message: "before"}}, rec.ForRun("r1"))
}
