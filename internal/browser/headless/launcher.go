// Package headless implements browser.Launcher on top of chromedp and a
// local Chrome or Chromium binary.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	scrapebrowser "github.com/JakeFAU/realtime-scraper/internal/browser"
)

// Config controls the Chrome command line shared by every launch.
type Config struct {
	// ExecPath overrides binary discovery.
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	// Stealth injects evasion scripts into every new page.
	Stealth bool
	// ShowWindow drops the headless switch, for local debugging.
	ShowWindow bool
}

// Launcher starts Chrome processes through chromedp's exec allocator.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

var _ scrapebrowser.Launcher = (*Launcher)(nil)

// NewLauncher constructs a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 1920
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = 1080
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// allocatorOptions renders launch options into chromedp allocator options.
// Flags are applied in name order so the command line is reproducible.
func (l *Launcher) allocatorOptions(opts scrapebrowser.LaunchOptions) []chromedp.ExecAllocatorOption {
	names := make([]string, 0, len(opts.Flags))
	for name := range opts.Flags {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]chromedp.ExecAllocatorOption, 0, len(names)+4)
	for _, name := range names {
		value := opts.Flags[name]
		if name == "headless" && l.cfg.ShowWindow {
			value = false
		}
		out = append(out, chromedp.Flag(name, value))
	}
	out = append(out, chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight))
	if opts.ProxyServer != "" {
		out = append(out, chromedp.ProxyServer(opts.ProxyServer))
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		out = append(out, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return out
}

// Launch starts a browser. ctx and opts.Timeout bound the start-up only.
func (l *Launcher) Launch(ctx context.Context, opts scrapebrowser.LaunchOptions) (scrapebrowser.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	// Abort a hung start-up without tying the process to startCtx.
	stop := context.AfterFunc(startCtx, allocCancel)
	err := chromedp.Run(browserCtx)
	interrupted := !stop()
	if err == nil && interrupted {
		err = startCtx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		if startErr := startCtx.Err(); startErr != nil {
			return nil, fmt.Errorf("start browser: %w", startErr)
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	b := &chromeBrowser{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		stealth:       l.cfg.Stealth,
		logger:        l.logger,
		pages:         make(map[string]*chromePage),
	}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		b.rootID = string(c.Target.TargetID)
	}
	l.logger.Debug("browser started", zap.Bool("proxied", opts.ProxyServer != ""))
	return b, nil
}

type chromeBrowser struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	rootID        string
	stealth       bool
	logger        *zap.Logger

	mu     sync.Mutex
	pages  map[string]*chromePage
	closed bool
}

var errBrowserClosed = errors.New("browser closed")

// executor scopes a browser-level CDP command to the caller's context.
func (b *chromeBrowser) executor(ctx context.Context) (context.Context, error) {
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return nil, errBrowserClosed
	}
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errBrowserClosed, err)
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

func (b *chromeBrowser) Version(ctx context.Context) (string, error) {
	execCtx, err := b.executor(ctx)
	if err != nil {
		return "", err
	}
	_, product, _, _, _, err := browser.GetVersion().Do(execCtx)
	if err != nil {
		return "", fmt.Errorf("get version: %w", err)
	}
	return product, nil
}

func (b *chromeBrowser) NewPage(ctx context.Context) (scrapebrowser.Page, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBrowserClosed
	}
	b.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, setupActions(b.stealth)...)
	interrupted := !stop()
	if err == nil && interrupted {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}

	c := chromedp.FromContext(tabCtx)
	p := &chromePage{
		id:     string(c.Target.TargetID),
		ctx:    tabCtx,
		cancel: tabCancel,
		logger: b.logger,
	}
	p.onClose = func() { b.forget(p.id) }

	b.mu.Lock()
	b.pages[p.id] = p
	b.mu.Unlock()
	return p, nil
}

func (b *chromeBrowser) forget(id string) {
	b.mu.Lock()
	delete(b.pages, id)
	b.mu.Unlock()
}

func (b *chromeBrowser) PageIDs(ctx context.Context) ([]string, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errBrowserClosed, err)
	}
	infos, err := chromedp.Targets(b.ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return pageTargetIDs(infos, b.rootID), nil
}

// pageTargetIDs keeps page targets other than root.
func pageTargetIDs(infos []*target.Info, root string) []string {
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		if id := string(info.TargetID); id != root {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *chromeBrowser) ClosePage(ctx context.Context, id string) error {
	b.mu.Lock()
	p, ok := b.pages[id]
	b.mu.Unlock()
	if ok {
		return p.Close(ctx)
	}
	execCtx, err := b.executor(ctx)
	if err != nil {
		return err
	}
	if err := target.CloseTarget(target.ID(id)).Do(execCtx); err != nil {
		return fmt.Errorf("close target %s: %w", id, err)
	}
	return nil
}

// Close shuts Chrome down gracefully, then kills whatever is left.
func (b *chromeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(b.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
