package scraper_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/browser/browsertest"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-scraper/internal/session"
	"github.com/JakeFAU/realtime-scraper/internal/storage/memory"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

// settledPage answers discovery with "present" and every poll with a
// completed snapshot.
func settledPage(page *browsertest.Page) *browsertest.Page {
	page.Evaluator = func(expr string) (any, error) {
		switch {
		case strings.Contains(expr, "offsetHeight"):
			return map[string]any{"content": "done", "height": 100, "completed": true, "count": 1}, nil
		case strings.Contains(expr, "list[i].profile"):
			return "", nil
		default:
			return true, nil
		}
	}
	return page
}

type fixture struct {
	service  *scraper.Service
	launcher *browsertest.Launcher
	blobs    *memory.BlobStore
	clock    *fakeClock
	manager  *browser.Manager
}

func newFixture(t *testing.T, page func() *browsertest.Page) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	launcher := &browsertest.Launcher{Pages: page}
	manager := browser.New(launcher, nil, nil, nil, clock, browser.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	blobs := memory.NewBlobStore()
	svc := scraper.New(
		manager,
		session.New(session.Config{}, nil, zap.NewNop()),
		blobs,
		staticIDs{id: "abc"},
		clock,
		scraper.DefaultConfig(),
		zap.NewNop(),
	)
	return &fixture{service: svc, launcher: launcher, blobs: blobs, clock: clock, manager: manager}
}

func TestScrapeWikipedia(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<html><head><title>Go</title></head><body><article>`)
	b.WriteString(`<h1>Go (programming language)</h1><p>Go is a statically typed language.</p>`)
	b.WriteString(`<ul><li>Concurrency</li></ul><blockquote>Less is more.</blockquote>`)
	b.WriteString(`<a href="/wiki/Relative">rel</a><a href="http://insecure.example/">http</a>`)
	for i := range 120 {
		fmt.Fprintf(&b, `<a href="https://en.wikipedia.org/wiki/Page_%d">p</a>`, i)
	}
	b.WriteString(`<a href="https://en.wikipedia.org/wiki/Page_0">dup</a>`)
	b.WriteString(`</article></body></html>`)

	var opened []*browsertest.Page
	var mu sync.Mutex
	f := newFixture(t, func() *browsertest.Page {
		p := settledPage(&browsertest.Page{HTML: b.String(), PageTitle: "Go", PNG: []byte("png-bytes")})
		mu.Lock()
		opened = append(opened, p)
		mu.Unlock()
		return p
	})

	res, err := f.service.Scrape(context.Background(), scrape.Job{
		ID:     "job-1",
		Kind:   scrape.JobKindWikipedia,
		UserID: "u1",
		URL:    "https://en.wikipedia.org/wiki/Go_(programming_language)",
	})
	require.NoError(t, err)

	assert.Equal(t, "# Go (programming language)\n\nGo is a statically typed language.\n\n• Concurrency\n\n> Less is more.", res.Markdown)
	require.Len(t, res.Links, 100)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Page_0", res.Links[0])
	for _, link := range res.Links {
		assert.True(t, strings.HasPrefix(link, "https://"), link)
	}

	key := fmt.Sprintf("screenshots/%d-abc.png", f.clock.Now().UnixMilli())
	assert.Equal(t, "memory://"+key, res.Screenshot)
	data, contentType, ok := f.blobs.Object(key)
	require.True(t, ok)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte("png-bytes"), data)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, opened, 1)
	assert.Equal(t, 1, opened[0].CloseCalls())
	assert.Equal(t, []string{"https://en.wikipedia.org/wiki/Go_(programming_language)", "about:blank"}, opened[0].Visited())
	assert.Equal(t, 1, f.launcher.Calls())
	assert.False(t, f.launcher.Browsers()[0].Closed(), "browser stays alive for the next job")
}

func TestScrapeWikipediaWithoutContainer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func() *browsertest.Page {
		return &browsertest.Page{
			HTML: `<html><body><main><p>Plain page.</p></main></body></html>`,
			Evaluator: func(expr string) (any, error) {
				if strings.Contains(expr, "list[i].profile") {
					return "", nil
				}
				return false, nil
			},
		}
	})

	res, err := f.service.Scrape(context.Background(), scrape.Job{
		ID:   "job-2",
		Kind: scrape.JobKindWikipedia,
		URL:  "https://en.wikipedia.org/wiki/Plain",
	})
	require.NoError(t, err)
	assert.Equal(t, "Plain page.", res.Markdown)
	assert.Empty(t, res.Links)
}

func TestScrapeNewsFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func() *browsertest.Page {
		return &browsertest.Page{
			HTML:      `<html><body><div>Breaking story text</div><script>var x = 1;</script></body></html>`,
			PageTitle: "Headline",
		}
	})

	res, err := f.service.Scrape(context.Background(), scrape.Job{
		ID:   "job-3",
		Kind: scrape.JobKindNews,
		URL:  "https://news.example.com/story",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Markdown, "# Headline\n\n"), res.Markdown)
	assert.Contains(t, res.Markdown, "Breaking story text")
	assert.NotContains(t, res.Markdown, "var x")
	assert.True(t, strings.HasSuffix(res.Markdown, "..."))

	f.clock.mu.Lock()
	defer f.clock.mu.Unlock()
	assert.Equal(t, []time.Duration{scraper.DefaultConfig().NewsSettle}, f.clock.sleeps)
}

func TestScrapeNewsWithArticle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func() *browsertest.Page {
		return &browsertest.Page{
			HTML: `<html><body><article><h2>Update</h2><p>Markets rose.</p></article></body></html>`,
		}
	})

	res, err := f.service.Scrape(context.Background(), scrape.Job{
		ID:   "job-4",
		Kind: scrape.JobKindNews,
		URL:  "https://news.example.com/update",
	})
	require.NoError(t, err)
	assert.Equal(t, "## Update\n\nMarkets rose.", res.Markdown)
}

func TestScrapeUnsupportedKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.service.Scrape(context.Background(), scrape.Job{ID: "job-5", Kind: "video", URL: "https://example.com"})
	require.ErrorIs(t, err, scraper.ErrUnsupportedKind)
	assert.Zero(t, f.launcher.Calls())
}

func TestScrapeNavigationFailureClosesPage(t *testing.T) {
	t.Parallel()

	var page *browsertest.Page
	f := newFixture(t, func() *browsertest.Page {
		page = &browsertest.Page{NavigateErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
		return page
	})

	_, err := f.service.Scrape(context.Background(), scrape.Job{
		ID:   "job-6",
		Kind: scrape.JobKindNews,
		URL:  "https://unreachable.example.com",
	})
	require.ErrorIs(t, err, scrape.ErrNavigation)
	assert.Equal(t, "navigation_error", scrape.FailureReason(err))
	require.NotNil(t, page)
	assert.Equal(t, 1, page.CloseCalls())
	assert.Empty(t, f.blobs.Keys())
}

func TestScrapeLaunchFailure(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	launcher := &browsertest.Launcher{Fail: func(int, browser.LaunchOptions) error { return errors.New("no chrome") }}
	manager := browser.New(launcher, nil, nil, nil, clock, browser.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })
	svc := scraper.New(manager, session.New(session.Config{}, nil, nil), memory.NewBlobStore(), staticIDs{id: "x"}, clock, scraper.DefaultConfig(), nil)

	_, err := svc.Scrape(context.Background(), scrape.Job{ID: "job-7", Kind: scrape.JobKindNews, URL: "https://news.example.com"})
	require.ErrorIs(t, err, scrape.ErrLaunchFailure)
}
