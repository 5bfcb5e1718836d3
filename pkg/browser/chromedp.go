package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ChromedpEngine drives a local Chrome over the DevTools protocol. It is
// the fallback for hosts where the Playwright driver cannot be installed.
type ChromedpEngine struct {
	mu          sync.Mutex
	opts        Options
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	started     bool
}

// NewChromedpEngine creates an engine.
func NewChromedpEngine(opts Options) *ChromedpEngine {
	return &ChromedpEngine{opts: opts.withDefaults()}
}

// Start launches the browser process.
func (e *ChromedpEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(e.opts.Viewport.Width, e.opts.Viewport.Height),
	)
	if e.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.opts.ExecPath))
	}

	// The browser outlives the start context; only Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	startCtx, stop := mergeCancel(browserCtx, ctx)
	defer stop()
	if err := chromedp.Run(startCtx); err != nil {
		cancel()
		allocCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	e.allocCtx = allocCtx
	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.cancel = cancel
	e.started = true
	return nil
}

// NewContext opens a tab in a fresh browser context.
func (e *ChromedpEngine) NewContext(ctx context.Context) (Context, error) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil, fmt.Errorf("chromedp engine not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	return &chromedpContext{
		tabCtx:  tabCtx,
		cancel:  cancel,
		timeout: e.opts.Timeout,
		closed:  make(chan struct{}),
	}, nil
}

// Close shuts the browser down.
func (e *ChromedpEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	err := chromedp.Cancel(e.browserCtx)
	e.cancel()
	e.allocCancel()
	e.started = false
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

type chromedpContext struct {
	tabCtx    context.Context
	cancel    context.CancelFunc
	timeout   time.Duration
	pageOnce  sync.Once
	page      *chromedpPage
	closeOnce sync.Once
	closed    chan struct{}
}

// NewPage returns the context's single tab. A chromedp context maps to
// exactly one target, so repeated calls return the same page.
func (c *chromedpContext) NewPage(ctx context.Context) (Page, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	var err error
	c.pageOnce.Do(func() {
		page := &chromedpPage{ctx: c, pending: make(map[network.RequestID]*pendingRequest)}
		page.queue = newExchangeQueue()
		chromedp.ListenTarget(c.tabCtx, page.listen)

		runCtx, stop := mergeCancel(c.tabCtx, ctx)
		defer stop()
		if err = chromedp.Run(runCtx, network.Enable()); err != nil {
			err = fmt.Errorf("failed to create page: %w", err)
			return
		}
		go page.queue.run(c.closed)
		c.page = page
	})
	if err != nil {
		return nil, err
	}
	if c.page == nil {
		return nil, fmt.Errorf("failed to create page")
	}
	return c.page, nil
}

func (c *chromedpContext) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = chromedp.Cancel(c.tabCtx)
		c.cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// actionContext bounds a chromedp call by the page timeout, the tab
// lifetime and the caller's context.
func (c *chromedpContext) actionContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	select {
	case <-c.closed:
		return nil, nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(c.tabCtx, c.timeout)
	merged, stop := mergeCancel(timeoutCtx, ctx)
	return merged, func() {
		stop()
		cancelTimeout()
	}, nil
}

type pendingRequest struct {
	url  string
	body string
}

type chromedpPage struct {
	ctx *chromedpContext

	mu        sync.Mutex
	pending   map[network.RequestID]*pendingRequest
	listeners []func(Exchange)
	queue     *exchangeQueue
}

func (p *chromedpPage) Goto(ctx context.Context, url string) error {
	actx, done, err := p.ctx.actionContext(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := chromedp.Run(actx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *chromedpPage) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	actx, done, err := p.ctx.actionContext(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var result interface{}
	err = chromedp.Run(actx, chromedp.Evaluate(expression, &result, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithAwaitPromise(true).WithReturnByValue(true)
	}))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

func (p *chromedpPage) URL() string {
	var location string
	actx, done, err := p.ctx.actionContext(context.Background())
	if err != nil {
		return ""
	}
	defer done()
	if err := chromedp.Run(actx, chromedp.Location(&location)); err != nil {
		return ""
	}
	return location
}

func (p *chromedpPage) OnExchange(fn func(Exchange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// listen runs on the target's event loop and must not issue CDP commands;
// completed exchanges are handed to the queue worker instead.
func (p *chromedpPage) listen(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		p.pending[e.RequestID] = &pendingRequest{url: e.Request.URL, body: postData(e.Request)}
		p.mu.Unlock()

	case *network.EventLoadingFailed:
		p.mu.Lock()
		delete(p.pending, e.RequestID)
		p.mu.Unlock()

	case *network.EventLoadingFinished:
		p.mu.Lock()
		req, ok := p.pending[e.RequestID]
		delete(p.pending, e.RequestID)
		listeners := append([]func(Exchange){}, p.listeners...)
		p.mu.Unlock()
		if !ok || len(listeners) == 0 {
			return
		}

		id := e.RequestID
		exchange := Exchange{
			URL:         req.url,
			RequestBody: req.body,
			Body: func() ([]byte, error) {
				c := chromedp.FromContext(p.ctx.tabCtx)
				if c == nil || c.Target == nil {
					return nil, ErrClosed
				}
				return network.GetResponseBody(id).Do(cdp.WithExecutor(p.ctx.tabCtx, c.Target))
			},
		}
		p.queue.push(func() {
			for _, fn := range listeners {
				fn(exchange)
			}
		})
	}
}

func postData(req *network.Request) string {
	if req == nil || !req.HasPostData {
		return ""
	}
	var out []byte
	for _, entry := range req.PostDataEntries {
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		out = append(out, decoded...)
	}
	return string(out)
}

// mergeCancel returns a context carrying primary's values that is also
// cancelled when secondary is done.
func mergeCancel(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
