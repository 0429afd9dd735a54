// Package session runs one job's work inside an isolated browser page and
// guarantees the page is cleaned up, whatever way the work ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// PageSource lends pages. *browser.Handle satisfies it.
type PageSource interface {
	OpenPage(ctx context.Context) (browser.Page, error)
	ClosePage(ctx context.Context, page browser.Page) error
}

// Pacer delays navigations per host. *ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes page sessions.
type Config struct {
	NavigationTimeout time.Duration
	CloseTimeout      time.Duration
	Block             BlockPolicy
}

// Runner opens pages for jobs.
type Runner struct {
	cfg    Config
	filter browser.RequestFilter
	pacer  Pacer
	logger *zap.Logger
}

// New builds a Runner. pacer may be nil.
func New(cfg Config, pacer Pacer, logger *zap.Logger) *Runner {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		filter: cfg.Block.Filter(),
		pacer:  pacer,
		logger: logger,
	}
}

// Run opens a page on src, installs the block filter and calls fn. The page
// is blanked and closed exactly once after fn returns, fails, panics or
// runs out of time; the browser itself is never touched.
func (r *Runner) Run(ctx context.Context, src PageSource, fn func(ctx context.Context, page *Page) error) error {
	raw, err := src.OpenPage(ctx)
	if err != nil {
		return fmt.Errorf("open session page: %w", err)
	}
	logger := r.logger.With(zap.String("page_id", raw.ID()))
	defer func() {
		recovered := recover()
		r.cleanup(ctx, src, raw, logger)
		if recovered != nil {
			panic(recovered)
		}
	}()

	if err := raw.SetRequestFilter(ctx, r.filter); err != nil {
		return fmt.Errorf("install request filter: %w", err)
	}
	page := &Page{
		raw:        raw,
		navTimeout: r.cfg.NavigationTimeout,
		pacer:      r.pacer,
		logger:     logger,
	}
	return fn(ctx, page)
}

func (r *Runner) cleanup(ctx context.Context, src PageSource, raw browser.Page, logger *zap.Logger) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CloseTimeout)
	defer cancel()
	if err := raw.Navigate(closeCtx, "about:blank"); err != nil {
		logger.Debug("blank page before close", zap.Error(err))
	}
	if err := src.ClosePage(closeCtx, raw); err != nil {
		logger.Warn("close session page", zap.Error(err))
	}
}

// WithPage runs fn in a fresh page and returns its value.
func WithPage[T any](ctx context.Context, r *Runner, src PageSource, fn func(ctx context.Context, page *Page) (T, error)) (T, error) {
	var out T
	err := r.Run(ctx, src, func(ctx context.Context, page *Page) error {
		v, err := fn(ctx, page)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Page is the job-facing view of a browser page. Errors are classified
// with the sentinels in package scrape.
type Page struct {
	raw        browser.Page
	navTimeout time.Duration
	pacer      Pacer
	logger     *zap.Logger
}

// ID returns the underlying page identifier.
func (p *Page) ID() string { return p.raw.ID() }

// Navigate loads url, bounded by the navigation timeout.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.pacer != nil {
		if err := p.pacer.Wait(ctx, url); err != nil {
			return fmt.Errorf("%w: %w", scrape.ErrNavigation, err)
		}
	}
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	start := time.Now()
	err := p.raw.Navigate(navCtx, url)
	if err == nil {
		p.logger.Debug("navigated", zap.String("url", url), zap.Duration("duration", time.Since(start)))
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("navigate %s: %w after %s", url, scrape.ErrNavigationTimeout, time.Since(start).Round(time.Millisecond))
	}
	return fmt.Errorf("navigate %s: %w: %w", url, scrape.ErrNavigation, err)
}

// Evaluate runs a JavaScript expression and decodes its result into out.
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.raw.Evaluate(ctx, expression, out); err != nil {
		return fmt.Errorf("evaluate: %w: %w", scrape.ErrExtraction, err)
	}
	return nil
}

// Content returns the serialized DOM.
func (p *Page) Content(ctx context.Context) (string, error) {
	html, err := p.raw.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("read content: %w: %w", scrape.ErrExtraction, err)
	}
	return html, nil
}

// Title returns the document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	title, err := p.raw.Title(ctx)
	if err != nil {
		return "", fmt.Errorf("read title: %w: %w", scrape.ErrExtraction, err)
	}
	return title, nil
}

// URL returns the current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	u, err := p.raw.URL(ctx)
	if err != nil {
		return "", fmt.Errorf("read url: %w: %w", scrape.ErrExtraction, err)
	}
	return u, nil
}

// Screenshot captures the full page as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := p.raw.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w: %w", scrape.ErrExtraction, err)
	}
	return png, nil
}
