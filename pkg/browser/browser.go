package browser

import (
	"fmt"
	"io"
)

// New creates the engine for the named driver.
func New(driver string, opts Options, output io.Writer) (Engine, error) {
	switch driver {
	case "", DriverPlaywright:
		return NewPlaywrightEngine(opts, output), nil
	case DriverChromedp:
		return NewChromedpEngine(opts), nil
	default:
		return nil, fmt.Errorf("unsupported browser driver: %s", driver)
	}
}
