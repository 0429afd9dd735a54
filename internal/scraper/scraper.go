// Package scraper implements the per-kind scrape routines: render the job
// URL in the shared browser, capture a screenshot and turn the DOM into
// links and markdown.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/extract"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/session"
	"github.com/JakeFAU/realtime-scraper/internal/waiter"
)

// ErrUnsupportedKind is returned for job kinds without a scrape routine.
var ErrUnsupportedKind = errors.New("unsupported job kind")

// Browsers lends the shared browser. *browser.Manager satisfies it.
type Browsers interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(ctx context.Context, h *browser.Handle) error
}

// Clock is the time source for keys and settle pauses.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config tunes the scrape routines.
type Config struct {
	// Wait bounds the settle wait on wikipedia pages.
	Wait waiter.Config
	// NewsSettle is the pause after a news page loads.
	NewsSettle time.Duration
	// ScreenshotPrefix is the object key prefix for screenshots.
	ScreenshotPrefix string
	// FallbackChars caps the converted body used when a news page has no
	// long-form text.
	FallbackChars int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Wait: waiter.Config{
			MaxWait:  10 * time.Second,
			Interval: 150 * time.Millisecond,
		},
		NewsSettle:       20 * time.Millisecond,
		ScreenshotPrefix: "screenshots",
		FallbackChars:    2000,
	}
}

// Service runs scrape jobs.
type Service struct {
	browsers Browsers
	sessions *session.Runner
	waiter   *waiter.Waiter
	blobs    scrape.BlobStore
	keys     scrape.IDGenerator
	clock    Clock
	markdown *extract.Markdown
	cfg      Config
	logger   *zap.Logger
}

// New builds a Service.
func New(
	browsers Browsers,
	sessions *session.Runner,
	blobs scrape.BlobStore,
	keys scrape.IDGenerator,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScreenshotPrefix == "" {
		cfg.ScreenshotPrefix = "screenshots"
	}
	if cfg.FallbackChars <= 0 {
		cfg.FallbackChars = 2000
	}
	return &Service{
		browsers: browsers,
		sessions: sessions,
		waiter:   waiter.New(cfg.Wait, clock, logger.Named("waiter")),
		blobs:    blobs,
		keys:     keys,
		clock:    clock,
		markdown: extract.NewMarkdown(),
		cfg:      cfg,
		logger:   logger,
	}
}

// capture is what a page yields before post-processing.
type capture struct {
	html       string
	title      string
	finalURL   string
	screenshot string
}

// Scrape runs the routine for job.Kind. The browser is borrowed for the
// duration and handed back afterwards; it is never closed here.
func (s *Service) Scrape(ctx context.Context, job scrape.Job) (scrape.Result, error) {
	var settle func(ctx context.Context, page *session.Page) error
	switch job.Kind {
	case scrape.JobKindWikipedia:
		settle = s.waitForContent
	case scrape.JobKindNews:
		settle = s.pause
	default:
		return scrape.Result{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, job.Kind)
	}

	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL), zap.String("job_kind", string(job.Kind)))
	h, err := s.browsers.Acquire(ctx)
	if err != nil {
		return scrape.Result{}, fmt.Errorf("acquire browser: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.browsers.Release(releaseCtx, h); err != nil {
			logger.Warn("release browser", zap.Error(err))
		}
	}()

	c, err := session.WithPage(ctx, s.sessions, h, func(ctx context.Context, page *session.Page) (capture, error) {
		return s.capture(ctx, page, job.URL, settle)
	})
	if err != nil {
		metrics.ObservePage(job.URL, scrape.FailureReason(err), 0)
		return scrape.Result{}, err
	}
	metrics.ObservePage(job.URL, "success", len(c.html))

	doc, err := extract.Parse(c.html)
	if err != nil {
		return scrape.Result{}, fmt.Errorf("%w: %w", scrape.ErrExtraction, err)
	}
	result := scrape.Result{
		Screenshot: c.screenshot,
		Markdown:   doc.LongForm(),
		Links:      doc.Links(),
	}
	if job.Kind == scrape.JobKindNews && len(strings.TrimSpace(result.Markdown)) <= 1 {
		result.Markdown = s.newsFallback(c, logger)
	}
	logger.Info("scrape complete",
		zap.Int("links", len(result.Links)),
		zap.Int("markdown_length", len(result.Markdown)),
		zap.String("screenshot", result.Screenshot),
	)
	return result, nil
}

func (s *Service) capture(ctx context.Context, page *session.Page, url string, settle func(context.Context, *session.Page) error) (capture, error) {
	if err := page.Navigate(ctx, url); err != nil {
		return capture{}, err
	}
	if err := settle(ctx, page); err != nil {
		return capture{}, err
	}
	var (
		c   capture
		err error
	)
	if c.html, err = page.Content(ctx); err != nil {
		return capture{}, err
	}
	if c.title, err = page.Title(ctx); err != nil {
		return capture{}, err
	}
	if c.finalURL, err = page.URL(ctx); err != nil {
		c.finalURL = url
	}
	png, err := page.Screenshot(ctx)
	if err != nil {
		return capture{}, err
	}
	if c.screenshot, err = s.uploadScreenshot(ctx, png); err != nil {
		return capture{}, err
	}
	return c, nil
}

// waitForContent lets late-rendering content settle. A page without a
// recognizable content container is not an error.
func (s *Service) waitForContent(ctx context.Context, page *session.Page) error {
	res, err := s.waiter.Wait(ctx, page, "")
	switch {
	case errors.Is(err, scrape.ErrDiscoveryTimeout):
		s.logger.Debug("no streamed content container, continuing", zap.String("profile", string(res.Profile)))
		return nil
	case err != nil:
		return err
	}
	s.logger.Debug("content settled",
		zap.String("state", res.State.String()),
		zap.String("signal", string(res.Signal)),
		zap.Duration("elapsed", res.Elapsed),
	)
	return nil
}

func (s *Service) pause(ctx context.Context, _ *session.Page) error {
	if s.cfg.NewsSettle <= 0 {
		return nil
	}
	if err := s.clock.Sleep(ctx, s.cfg.NewsSettle); err != nil {
		return fmt.Errorf("settle page: %w", err)
	}
	return nil
}

func (s *Service) uploadScreenshot(ctx context.Context, png []byte) (string, error) {
	suffix, err := s.keys.NewID()
	if err != nil {
		return "", fmt.Errorf("screenshot key: %w", err)
	}
	key := fmt.Sprintf("%s/%d-%s.png", s.cfg.ScreenshotPrefix, s.clock.Now().UnixMilli(), suffix)
	url, err := s.blobs.PutObject(ctx, key, "image/png", bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}
	return url, nil
}

// newsFallback renders the title plus the start of the converted body when a
// news page has no semantic long-form content.
func (s *Service) newsFallback(c capture, logger *zap.Logger) string {
	body, err := s.markdown.Convert(c.html, c.finalURL)
	if err != nil {
		logger.Warn("markdown conversion failed, using raw html", zap.Error(err))
		body = c.html
	}
	return fmt.Sprintf("# %s\n\n%s...", c.title, extract.Truncate(strings.TrimSpace(body), s.cfg.FallbackChars))
}
