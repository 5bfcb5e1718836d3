// Package browsertest provides an in-memory browser engine for tests of
// code built on package browser.
package browsertest

import (
	"context"
	"errors"
	"sync"

	"github.com/entrhq/harvest/pkg/browser"
)

// Engine is a fake browser.Engine. Its zero value is not usable; call NewEngine.
type Engine struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	contexts []*Context

	// GotoFunc, when set, decides the outcome of every navigation. It may
	// block; blocked calls are released with ErrClosed when the owning
	// context closes.
	GotoFunc func(ctx context.Context, url string) error

	// EvaluateFunc, when set, produces evaluation results.
	EvaluateFunc func(expression string) (interface{}, error)

	// StartErr makes Start fail.
	StartErr error

	// NewContextErr makes NewContext fail.
	NewContextErr error

	// CloseErr is returned by every Context.Close after performing the close.
	CloseErr error

	created chan *Context
}

// NewEngine creates a started-on-demand fake engine.
func NewEngine() *Engine {
	return &Engine{created: make(chan *Context, 64)}
}

// Start marks the engine started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.started = true
	return nil
}

// NewContext creates a fake context.
func (e *Engine) NewContext(ctx context.Context) (browser.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.NewContextErr != nil {
		return nil, e.NewContextErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Context{engine: e, closed: make(chan struct{})}
	e.contexts = append(e.contexts, c)
	select {
	case e.created <- c:
	default:
	}
	return c, nil
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Started reports whether Start was called.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Contexts returns every context created so far.
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Context(nil), e.contexts...)
}

// Created delivers each context as it is created.
func (e *Engine) Created() <-chan *Context {
	return e.created
}

// Context is a fake browser.Context.
type Context struct {
	engine *Engine

	mu         sync.Mutex
	pages      []*Page
	closeCalls int
	closed     chan struct{}
}

// NewPage creates a fake page.
func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, browser.ErrClosed
	default:
	}

	p := &Page{context: c, url: "about:blank"}
	c.pages = append(c.pages, p)
	return p, nil
}

// Close closes the context. Only the first call has effect.
func (c *Context) Close() error {
	c.mu.Lock()
	c.closeCalls++
	first := c.closeCalls == 1
	c.mu.Unlock()

	if first {
		close(c.closed)
	}
	return c.engine.CloseErr
}

// CloseCalls reports how many times Close was invoked.
func (c *Context) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// IsClosed reports whether the context has been closed.
func (c *Context) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the context closes.
func (c *Context) Done() <-chan struct{} {
	return c.closed
}

// Pages returns the pages opened in this context.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

// Page is a fake browser.Page.
type Page struct {
	context *Context

	mu        sync.Mutex
	url       string
	visited   []string
	evaluated []string
	listeners []func(browser.Exchange)
}

// Goto records the navigation.
func (p *Page) Goto(ctx context.Context, url string) error {
	if p.context.IsClosed() {
		return browser.ErrClosed
	}

	if fn := p.context.engine.GotoFunc; fn != nil {
		result := make(chan error, 1)
		go func() { result <- fn(ctx, url) }()
		select {
		case err := <-result:
			if err != nil {
				return err
			}
		case <-p.context.closed:
			return browser.ErrClosed
		}
	}

	p.mu.Lock()
	p.url = url
	p.visited = append(p.visited, url)
	p.mu.Unlock()
	return nil
}

// Evaluate records the expression and returns EvaluateFunc's result.
func (p *Page) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	if p.context.IsClosed() {
		return nil, browser.ErrClosed
	}

	p.mu.Lock()
	p.evaluated = append(p.evaluated, expression)
	p.mu.Unlock()

	if fn := p.context.engine.EvaluateFunc; fn != nil {
		return fn(expression)
	}
	return nil, nil
}

// URL returns the last navigated URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// OnExchange registers a listener.
func (p *Page) OnExchange(fn func(browser.Exchange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Deliver simulates a completed request/response pair.
func (p *Page) Deliver(url, requestBody string, responseBody []byte) {
	p.mu.Lock()
	listeners := append([]func(browser.Exchange){}, p.listeners...)
	p.mu.Unlock()

	ex := browser.Exchange{
		URL:         url,
		RequestBody: requestBody,
		Body: func() ([]byte, error) {
			if responseBody == nil {
				return nil, errors.New("no body")
			}
			return responseBody, nil
		},
	}
	for _, fn := range listeners {
		fn(ex)
	}
}

// Visited returns every URL navigated to.
func (p *Page) Visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

// Evaluated returns every evaluated expression.
func (p *Page) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}
