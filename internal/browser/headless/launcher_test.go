package headless

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scrapebrowser "github.com/JakeFAU/realtime-scraper/internal/browser"
)

func TestNewLauncherDefaults(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Config{}, nil)
	assert.Equal(t, 1920, l.cfg.WindowWidth)
	assert.Equal(t, 1080, l.cfg.WindowHeight)
	assert.NotNil(t, l.logger)

	l = NewLauncher(Config{WindowWidth: 800, WindowHeight: 600}, nil)
	assert.Equal(t, 800, l.cfg.WindowWidth)
	assert.Equal(t, 600, l.cfg.WindowHeight)
}

func TestAllocatorOptionsCount(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Config{ExecPath: "/usr/bin/chromium"}, nil)
	opts := l.allocatorOptions(scrapebrowser.LaunchOptions{
		Flags:       map[string]any{"headless": "new", "mute-audio": true},
		ProxyServer: "http://127.0.0.1:9000",
		UserAgent:   "test-agent",
	})
	// Two flags, window size, proxy, user agent and exec path.
	assert.Len(t, opts, 6)

	bare := NewLauncher(Config{}, nil).allocatorOptions(scrapebrowser.LaunchOptions{})
	assert.Len(t, bare, 1)
}

func TestPageTargetIDs(t *testing.T) {
	t.Parallel()

	infos := []*target.Info{
		{TargetID: "root", Type: "page"},
		{TargetID: "a", Type: "page"},
		{TargetID: "sw", Type: "service_worker"},
		nil,
		{TargetID: "b", Type: "page"},
		{TargetID: "frame", Type: "iframe"},
	}
	assert.Equal(t, []string{"a", "b"}, pageTargetIDs(infos, "root"))
	assert.Empty(t, pageTargetIDs(nil, "root"))
}

func TestSetupActions(t *testing.T) {
	t.Parallel()

	assert.Len(t, setupActions(false), 1)
	assert.Len(t, setupActions(true), 2)
}

// TestLaunchAgainstChrome drives a real browser. It runs only when
// HEADLESS_CHROME_PATH points at a Chrome or Chromium binary.
func TestLaunchAgainstChrome(t *testing.T) {
	execPath := os.Getenv("HEADLESS_CHROME_PATH")
	if execPath == "" {
		t.Skip("HEADLESS_CHROME_PATH not set")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pixel.png" {
			w.Header().Set("Content-Type", "image/png")
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Fixture</title></head><body><p>hello</p><img src="/pixel.png"></body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	l := NewLauncher(Config{ExecPath: execPath, Stealth: true}, nil)
	b, err := l.Launch(ctx, scrapebrowser.LaunchOptions{
		Flags:   scrapebrowser.HardeningFlags(),
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = b.Close(context.Background()) }()

	version, err := b.Version(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.SetRequestFilter(ctx, func(r scrapebrowser.Request) bool {
		return r.ResourceType == "Image"
	}))
	require.NoError(t, p.Navigate(ctx, srv.URL))

	title, err := p.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Fixture", title)

	var text string
	require.NoError(t, p.Evaluate(ctx, `document.querySelector("p").textContent`, &text))
	assert.Equal(t, "hello", text)

	ids, err := b.PageIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, p.ID())

	shot, err := p.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	require.NoError(t, b.ClosePage(ctx, p.ID()))
	require.NoError(t, p.Close(ctx))
}
