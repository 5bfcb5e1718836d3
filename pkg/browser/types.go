package browser

import (
	"context"
	"errors"
	"time"
)

// Engine is a running browser-automation backend. One Engine serves every
// session of the process; each session gets its own Context.
type Engine interface {
	// Start launches the backend. It must be called before NewContext.
	Start(ctx context.Context) error

	// NewContext creates an isolated browser context (cookies, storage).
	NewContext(ctx context.Context) (Context, error)

	// Close shuts the backend down. Contexts still open are invalidated.
	Close() error
}

// Context is an isolated browser context owned by exactly one session.
type Context interface {
	// NewPage opens a page inside the context.
	NewPage(ctx context.Context) (Page, error)

	// Close releases the context and every page in it. Safe to call
	// multiple times; calls after the first return nil.
	Close() error
}

// Page is a single tab.
type Page interface {
	// Goto navigates and waits for the configured load state.
	Goto(ctx context.Context, url string) error

	// Evaluate runs a JavaScript expression in the page and returns its
	// JSON-compatible result. Promises are awaited.
	Evaluate(ctx context.Context, expression string) (interface{}, error)

	// URL returns the current page URL.
	URL() string

	// OnExchange subscribes to completed request/response pairs.
	OnExchange(fn func(Exchange))
}

// Exchange is a request/response pair observed on a page.
type Exchange struct {
	// URL is the request URL.
	URL string

	// RequestBody is the outgoing request body, empty when there is none.
	RequestBody string

	// Body fetches the response body. It is lazy because most responses
	// never match a capture pattern.
	Body func() ([]byte, error)
}

// ErrClosed is returned by operations on a closed context or page.
var ErrClosed = errors.New("browser context closed")

// Driver names accepted in configuration.
const (
	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
)

// Options configures an Engine.
type Options struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the initial viewport size
	Viewport Viewport

	// Timeout is the default navigation and evaluation timeout
	Timeout time.Duration

	// ExecPath overrides the browser executable (chromedp only)
	ExecPath string
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Default values for engine options
const (
	DefaultTimeout        = 30 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Viewport.Width <= 0 {
		o.Viewport.Width = DefaultViewportWidth
	}
	if o.Viewport.Height <= 0 {
		o.Viewport.Height = DefaultViewportHeight
	}
	return o
}
