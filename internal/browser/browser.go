// Package browser owns the shared headless browser process of a worker:
// lazy creation through rotating proxies, liveness probing, keep-alive and
// shutdown. Job code only ever sees pages, never the process.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/realtime-scraper/internal/proxy"
)

// Request describes an outgoing network request seen by a page.
type Request struct {
	URL          string
	ResourceType string
}

// RequestFilter returns true for requests that must be aborted.
type RequestFilter func(Request) bool

// Page is one tab in a Browser.
type Page interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string, out any) error
	Content(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	SetRequestFilter(ctx context.Context, filter RequestFilter) error
	Close(ctx context.Context) error
}

// Browser is a running browser process.
type Browser interface {
	// Version is the cheap round trip used as a liveness probe.
	Version(ctx context.Context) (string, error)
	NewPage(ctx context.Context) (Page, error)
	// PageIDs lists open tabs, excluding the browser's own root tab.
	PageIDs(ctx context.Context) ([]string, error)
	ClosePage(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// LaunchOptions carries the command line for one launch. ctx passed to
// Launch bounds only the start-up; the process outlives it.
type LaunchOptions struct {
	Flags       map[string]any
	ProxyServer string
	UserAgent   string
	Timeout     time.Duration
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// ProxyProvider leases upstream proxies. Both calls may fail; failures are
// treated as a spent attempt, never as fatal.
type ProxyProvider interface {
	Fetch(ctx context.Context, country string) (proxy.Lease, error)
	Release(ctx context.Context, leaseID string) error
}

// Forwarder is a local endpoint relaying to a leased upstream proxy.
type Forwarder interface {
	URL() string
	Close() error
}

// ForwarderFactory starts a Forwarder for an upstream proxy URL.
type ForwarderFactory func(upstream string) (Forwarder, error)

// ErrManagerClosed is returned by Acquire after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")
