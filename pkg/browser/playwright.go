package browser

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightEngine drives Chromium through playwright-go. One browser
// process is shared; each session gets its own BrowserContext.
type PlaywrightEngine struct {
	mu          sync.Mutex
	opts        Options
	output      io.Writer
	playwright  *playwright.Playwright
	browser     playwright.Browser
	initialized bool
}

// NewPlaywrightEngine creates an engine. Driver output is written to
// output (io.Discard when nil) so it never reaches the protocol stream.
func NewPlaywrightEngine(opts Options, output io.Writer) *PlaywrightEngine {
	if output == nil {
		output = io.Discard
	}
	return &PlaywrightEngine{opts: opts.withDefaults(), output: output}
}

// Start installs the driver if needed, starts Playwright and launches the browser.
func (e *PlaywrightEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   e.output,
		Stderr:   e.output,
	}

	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	e.playwright = pw
	e.browser = browser
	e.initialized = true
	return nil
}

// NewContext creates an isolated browser context.
func (e *PlaywrightEngine) NewContext(ctx context.Context) (Context, error) {
	e.mu.Lock()
	browser := e.browser
	initialized := e.initialized
	e.mu.Unlock()

	if !initialized {
		return nil, fmt.Errorf("playwright engine not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.Viewport.Width,
			Height: e.opts.Viewport.Height,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	return &playwrightContext{
		ctx:     bctx,
		timeout: float64(e.opts.Timeout.Milliseconds()),
		closed:  make(chan struct{}),
	}, nil
}

// Close closes the browser and stops Playwright.
func (e *PlaywrightEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}

	_ = e.browser.Close() // Ignore errors, continue cleanup
	e.initialized = false
	if err := e.playwright.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightContext struct {
	ctx       playwright.BrowserContext
	timeout   float64
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func (c *playwrightContext) NewPage(ctx context.Context) (Page, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(c.timeout)
	page.SetDefaultNavigationTimeout(c.timeout)

	queue := newExchangeQueue()
	go queue.run(c.closed)

	return &playwrightPage{page: page, closed: c.closed, queue: queue}, nil
}

func (c *playwrightContext) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.ctx.Close()
	})
	return c.closeErr
}

type playwrightPage struct {
	page   playwright.Page
	closed chan struct{}
	queue  *exchangeQueue
}

func (p *playwrightPage) checkOpen(ctx context.Context) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

func (p *playwrightPage) Goto(ctx context.Context, url string) error {
	if err := p.checkOpen(ctx); err != nil {
		return err
	}

	waitUntil := playwright.WaitUntilStateLoad
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *playwrightPage) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	if err := p.checkOpen(ctx); err != nil {
		return nil, err
	}

	result, err := p.page.Evaluate(expression)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

// OnExchange hands responses to the page queue so listeners may call back
// into the driver (Body) without blocking its dispatch loop.
func (p *playwrightPage) OnExchange(fn func(Exchange)) {
	p.page.OnResponse(func(resp playwright.Response) {
		p.queue.push(func() {
			var body string
			if req := resp.Request(); req != nil {
				if data, err := req.PostData(); err == nil {
					body = data
				}
			}
			fn(Exchange{
				URL:         resp.URL(),
				RequestBody: body,
				Body:        resp.Body,
			})
		})
	})
}
