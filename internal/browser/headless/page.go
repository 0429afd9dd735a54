package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	scrapebrowser "github.com/JakeFAU/realtime-scraper/internal/browser"
)

// setupActions prepare a fresh tab before its first navigation.
func setupActions(withStealth bool) []chromedp.Action {
	actions := []chromedp.Action{network.Enable()}
	if withStealth {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
			return nil
		}))
	}
	return actions
}

type chromePage struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	onClose func()

	mu        sync.RWMutex
	filter    scrapebrowser.RequestFilter
	listening bool
	closeOnce sync.Once
}

var _ scrapebrowser.Page = (*chromePage)(nil)

func (p *chromePage) ID() string { return p.id }

// run executes actions on the tab, bounded by ctx. The tab itself outlives
// ctx and ends only with Close.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func awaitPromise(params *runtime.EvaluateParams) *runtime.EvaluateParams {
	return params.WithAwaitPromise(true)
}

// Evaluate decodes the JSON value of expression into out. A nil out
// discards the result.
func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	if out == nil {
		var discard *runtime.RemoteObject
		out = &discard
	}
	if err := p.run(ctx, chromedp.Evaluate(expression, out, awaitPromise)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Screenshot captures the whole scrollable page. Quality 100 yields PNG.
func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// SetRequestFilter intercepts every request of the tab through the Fetch
// domain. A nil filter turns interception off.
func (p *chromePage) SetRequestFilter(ctx context.Context, filter scrapebrowser.RequestFilter) error {
	p.mu.Lock()
	p.filter = filter
	needListener := filter != nil && !p.listening
	if needListener {
		p.listening = true
	}
	p.mu.Unlock()

	if filter == nil {
		if err := p.run(ctx, fetch.Disable()); err != nil {
			return fmt.Errorf("disable interception: %w", err)
		}
		return nil
	}
	if needListener {
		chromedp.ListenTarget(p.ctx, p.onEvent)
	}
	if err := p.run(ctx, fetch.Enable()); err != nil {
		return fmt.Errorf("enable interception: %w", err)
	}
	return nil
}

func (p *chromePage) onEvent(ev any) {
	paused, ok := ev.(*fetch.EventRequestPaused)
	if !ok || paused.Request == nil {
		return
	}
	p.mu.RLock()
	filter := p.filter
	p.mu.RUnlock()

	req := scrapebrowser.Request{
		URL:          paused.Request.URL,
		ResourceType: string(paused.ResourceType),
	}
	block := filter != nil && filter(req)
	// Listeners must not block the event loop.
	go p.resolve(paused.RequestID, block, req.URL)
}

func (p *chromePage) resolve(id fetch.RequestID, block bool, url string) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(p.ctx, c.Target)
	var err error
	if block {
		err = fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(execCtx)
	} else {
		err = fetch.ContinueRequest(id).Do(execCtx)
	}
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("resolve intercepted request failed",
			zap.String("url", url),
			zap.Bool("blocked", block),
			zap.Error(err),
		)
	}
}

// Close closes the tab. The first call wins; later calls are no-ops.
func (p *chromePage) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			p.cancel()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("close page: %w", ctx.Err())
		}
		if p.onClose != nil {
			p.onClose()
		}
	})
	return err
}
