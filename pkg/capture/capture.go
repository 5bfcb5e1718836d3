// Package capture records network responses that match patterns registered
// by a connector. Each session owns one Engine; nothing is shared between
// sessions.
//
// A registration names a key, a URL substring and an optional body pattern.
// The body pattern lists alternative substrings separated by "|"; a request
// matches when its outgoing body contains at least one of them. The first
// response that matches and decodes as JSON is stored under the key and is
// never replaced until Clear is called.
package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/entrhq/harvest/pkg/browser"
)

// Registration is a capture request.
type Registration struct {
	Key         string `json:"key"`
	URLPattern  string `json:"urlPattern"`
	BodyPattern string `json:"bodyPattern,omitempty"`
}

// Response is a stored capture.
type Response struct {
	URL       string      `json:"url"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// CapturedFunc is invoked once per stored capture.
type CapturedFunc func(key, url string)

// Engine holds the registrations and results of one session.
type Engine struct {
	mu            sync.Mutex
	registrations map[string]Registration
	results       map[string]Response
	closed        bool

	onCaptured CapturedFunc
	now        func() time.Time
}

// NewEngine creates an engine that reports stored captures to onCaptured.
func NewEngine(onCaptured CapturedFunc) *Engine {
	return &Engine{
		registrations: make(map[string]Registration),
		results:       make(map[string]Response),
		onCaptured:    onCaptured,
		now:           time.Now,
	}
}

// Register stores or overwrites the registration for reg.Key. An existing
// result for the key is kept.
func (e *Engine) Register(reg Registration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registrations[reg.Key] = reg
}

// Captured returns the stored response for key.
func (e *Engine) Captured(key string) (Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, ok := e.results[key]
	return resp, ok
}

// Clear drops every registration and result.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registrations = make(map[string]Registration)
	e.results = make(map[string]Response)
}

// Close stops the engine from accepting further exchanges. Stored results
// remain readable.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Attach subscribes the engine to a page's exchanges.
func (e *Engine) Attach(page browser.Page) {
	page.OnExchange(e.Observe)
}

// Observe evaluates one request/response pair against the registrations.
func (e *Engine) Observe(ex browser.Exchange) {
	candidates := e.candidates(ex)
	if len(candidates) == 0 {
		return
	}

	if ex.Body == nil {
		return
	}
	body, err := ex.Body()
	if err != nil || !gjson.ValidBytes(body) {
		return
	}
	data := gjson.ParseBytes(body).Value()

	var stored []string
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ts := e.now().UnixMilli()
	for _, key := range candidates {
		if _, done := e.results[key]; done {
			continue
		}
		reg, ok := e.registrations[key]
		if !ok || !reg.matches(ex) {
			continue
		}
		e.results[key] = Response{URL: ex.URL, Data: data, Timestamp: ts}
		stored = append(stored, key)
	}
	e.mu.Unlock()

	recordCaptures(len(stored))
	if e.onCaptured == nil {
		return
	}
	for _, key := range stored {
		e.onCaptured(key, ex.URL)
	}
}

// candidates returns the keys whose registration matches ex and which have
// no result yet.
func (e *Engine) candidates(ex browser.Exchange) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	var keys []string
	for key, reg := range e.registrations {
		if _, done := e.results[key]; done {
			continue
		}
		if reg.matches(ex) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (r Registration) matches(ex browser.Exchange) bool {
	if !strings.Contains(ex.URL, r.URLPattern) {
		return false
	}
	if r.BodyPattern == "" {
		return true
	}
	return MatchBody(r.BodyPattern, ex.RequestBody)
}

// MatchBody reports whether body contains any of the "|"-separated
// alternatives in pattern. Empty alternatives are ignored.
func MatchBody(pattern, body string) bool {
	for _, alt := range strings.Split(pattern, "|") {
		if alt == "" {
			continue
		}
		if strings.Contains(body, alt) {
			return true
		}
	}
	return false
}
