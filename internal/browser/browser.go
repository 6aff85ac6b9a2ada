// Package browser maintains the pool of warm headless browsers and exposes
// the driver capabilities the executor consumes. The executor and the script
// engine only see the interfaces here, so they are testable without a real
// Chromium.
package browser

import (
	"context"
	"time"
)

// Browser is one pooled browser process.
type Browser interface {
	// NewContext opens an isolated context (cookies, storage) for one job.
	// Pages created from it are bound to ctx.
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)

	// Healthy reports whether the browser is still usable. Called on
	// release; an unhealthy browser is replaced.
	Healthy() bool

	Close() error
}

// ContextOptions configure the per-job context.
type ContextOptions struct {
	Width     int
	Height    int
	UserAgent string
}

// Context is a per-job isolation unit. Closing it disposes every page.
type Context interface {
	NewPage() (Page, error)
	Close() error
}

// Page is the operation surface scripts drive. Every method honors the
// deadline of the context the page was created under.
type Page interface {
	Navigate(url string) error
	WaitLoad() error
	Title() (string, error)
	URL() (string, error)
	HTML() (string, error)
	Text(selector string) (string, error)
	Click(selector string) error
	Type(selector, text string) error
	WaitSelector(selector string, timeout time.Duration) error

	// Eval evaluates a JS expression in the page and returns the result
	// as JSON.
	Eval(js string) (string, error)

	Screenshot(fullPage bool) ([]byte, error)
	PDF() ([]byte, error)

	// Record starts capturing the page into the webm file at path. The
	// returned stop function finalizes the file. Best effort: callers
	// tolerate a start failure and a missing artifact.
	Record(path string) (stop func() error, err error)

	Close() error
}
