package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/harvest/pkg/browser"
)

type capturedCall struct {
	key string
	url string
}

func newTestEngine() (*Engine, *[]capturedCall) {
	var mu sync.Mutex
	calls := &[]capturedCall{}
	e := NewEngine(func(key, url string) {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, capturedCall{key, url})
	})
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return e, calls
}

func exchange(url, reqBody, respBody string) browser.Exchange {
	return browser.Exchange{
		URL:         url,
		RequestBody: reqBody,
		Body:        func() ([]byte, error) { return []byte(respBody), nil },
	}
}

func TestObserve_StoresMatchingResponse(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})

	e.Observe(exchange("https://x.test/api/foo?x=1", "", `{"a":1}`))

	got, ok := e.Captured("k")
	require.True(t, ok)
	assert.Equal(t, "https://x.test/api/foo?x=1", got.URL)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, got.Data)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	assert.Equal(t, []capturedCall{{"k", "https://x.test/api/foo?x=1"}}, *calls)
}

func TestObserve_FirstMatchWins(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})

	e.Observe(exchange("https://x.test/api/foo?page=1", "", `{"page":1}`))
	e.Observe(exchange("https://x.test/api/foo?page=2", "", `{"page":2}`))

	got, ok := e.Captured("k")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"page": float64(1)}, got.Data)
	assert.Len(t, *calls, 1)
}

func TestObserve_ClearAllowsNewCapture(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})
	e.Observe(exchange("https://x.test/api/foo", "", `{"page":1}`))

	e.Clear()
	_, ok := e.Captured("k")
	assert.False(t, ok)

	// Clear also drops the registration.
	e.Observe(exchange("https://x.test/api/foo", "", `{"page":2}`))
	_, ok = e.Captured("k")
	assert.False(t, ok)

	e.Register(Registration{Key: "k", URLPattern: "api/foo"})
	e.Observe(exchange("https://x.test/api/foo", "", `{"page":3}`))
	got, ok := e.Captured("k")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"page": float64(3)}, got.Data)
	assert.Len(t, *calls, 2)
}

func TestRegister_OverwriteKeepsResult(t *testing.T) {
	e, _ := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})
	e.Observe(exchange("https://x.test/api/foo", "", `{"v":"first"}`))

	e.Register(Registration{Key: "k", URLPattern: "api/bar"})
	e.Observe(exchange("https://x.test/api/bar", "", `{"v":"second"}`))

	got, ok := e.Captured("k")
	require.True(t, ok)
	assert.Equal(t, "https://x.test/api/foo", got.URL)
}

func TestObserve_BodyPattern(t *testing.T) {
	tests := []struct {
		name        string
		bodyPattern string
		requestBody string
		want        bool
	}{
		{name: "no pattern", bodyPattern: "", requestBody: "", want: true},
		{name: "single alternative present", bodyPattern: "OrdersQuery", requestBody: `{"operationName":"OrdersQuery"}`, want: true},
		{name: "single alternative absent", bodyPattern: "OrdersQuery", requestBody: `{"operationName":"Profile"}`, want: false},
		{name: "second alternative present", bodyPattern: "Orders|Profile", requestBody: `{"operationName":"Profile"}`, want: true},
		{name: "no alternative present", bodyPattern: "Orders|Profile", requestBody: `{"operationName":"Cart"}`, want: false},
		{name: "empty body", bodyPattern: "Orders", requestBody: "", want: false},
		{name: "only separators", bodyPattern: "||", requestBody: "anything", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine()
			e.Register(Registration{Key: "k", URLPattern: "/graphql", BodyPattern: tt.bodyPattern})
			e.Observe(exchange("https://x.test/graphql", tt.requestBody, `{"ok":true}`))

			_, ok := e.Captured("k")
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestObserve_UndecodableBodyIsSkipped(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})

	e.Observe(exchange("https://x.test/api/foo", "", "<html>not json</html>"))
	e.Observe(browser.Exchange{
		URL:  "https://x.test/api/foo",
		Body: func() ([]byte, error) { return nil, errors.New("body evicted") },
	})
	e.Observe(browser.Exchange{URL: "https://x.test/api/foo"})

	_, ok := e.Captured("k")
	assert.False(t, ok)
	assert.Empty(t, *calls)

	// A later decodable response is still captured.
	e.Observe(exchange("https://x.test/api/foo", "", `[1,2]`))
	got, ok := e.Captured("k")
	require.True(t, ok)
	assert.Equal(t, []interface{}{float64(1), float64(2)}, got.Data)
}

func TestObserve_BodyFetchedOnlyForCandidates(t *testing.T) {
	e, _ := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})

	fetched := false
	e.Observe(browser.Exchange{
		URL:  "https://x.test/static/app.js",
		Body: func() ([]byte, error) { fetched = true; return []byte("{}"), nil },
	})
	assert.False(t, fetched)
}

func TestObserve_OneResponseFillsSeveralKeys(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "a", URLPattern: "api/"})
	e.Register(Registration{Key: "b", URLPattern: "api/foo"})
	e.Register(Registration{Key: "c", URLPattern: "api/bar"})

	e.Observe(exchange("https://x.test/api/foo", "", `{}`))

	_, okA := e.Captured("a")
	_, okB := e.Captured("b")
	_, okC := e.Captured("c")
	assert.True(t, okA)
	assert.True(t, okB)
	assert.False(t, okC)
	assert.Len(t, *calls, 2)
}

func TestClose_StopsCapturing(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})
	e.Close()

	e.Observe(exchange("https://x.test/api/foo", "", `{}`))
	_, ok := e.Captured("k")
	assert.False(t, ok)
	assert.Empty(t, *calls)
}

func TestEnginesAreIndependent(t *testing.T) {
	a, _ := newTestEngine()
	b, _ := newTestEngine()
	a.Register(Registration{Key: "k", URLPattern: "api/foo"})
	b.Register(Registration{Key: "k", URLPattern: "api/foo"})

	a.Observe(exchange("https://x.test/api/foo", "", `{"owner":"a"}`))

	_, ok := b.Captured("k")
	assert.False(t, ok)
}

func TestObserve_ConcurrentDeliveryStoresOnce(t *testing.T) {
	e, calls := newTestEngine()
	e.Register(Registration{Key: "k", URLPattern: "api/foo"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Observe(exchange("https://x.test/api/foo", "", `{}`))
		}()
	}
	wg.Wait()

	assert.Len(t, *calls, 1)
}

func TestMatchBody(t *testing.T) {
	assert.True(t, MatchBody("a|b", "xbx"))
	assert.False(t, MatchBody("a|b", "xyz"))
	assert.False(t, MatchBody("", "xyz"))
}
