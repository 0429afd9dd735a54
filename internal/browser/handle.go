package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is the shared, warm browser process. Jobs borrow pages from it
// through OpenPage/ClosePage and must never close it themselves.
type Handle struct {
	sessionID string
	browser   Browser
	forwarder Forwarder
	proxyURL  string
	createdAt time.Time
	lastUsed  atomic.Int64

	slots  chan struct{}
	mu     sync.Mutex
	active map[string]struct{}
}

func newHandle(sessionID string, b Browser, fwd Forwarder, proxyURL string, now time.Time, maxPages int) *Handle {
	h := &Handle{
		sessionID: sessionID,
		browser:   b,
		forwarder: fwd,
		proxyURL:  proxyURL,
		createdAt: now,
		active:    make(map[string]struct{}),
	}
	if maxPages > 0 {
		h.slots = make(chan struct{}, maxPages)
	}
	h.touch(now)
	return h
}

// SessionID identifies the browser process for logs and metrics.
func (h *Handle) SessionID() string { return h.sessionID }

// CreatedAt is when the process finished launching.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastUsed is the last time the handle was handed to a caller.
func (h *Handle) LastUsed() time.Time { return time.Unix(0, h.lastUsed.Load()) }

// Proxy is the redacted upstream proxy, or "" for a direct launch.
func (h *Handle) Proxy() string { return h.proxyURL }

func (h *Handle) touch(now time.Time) { h.lastUsed.Store(now.UnixNano()) }

// ActivePages counts pages currently borrowed through OpenPage.
func (h *Handle) ActivePages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// OpenPage opens a tracked page, waiting for a free slot when the handle
// caps concurrent pages.
func (h *Handle) OpenPage(ctx context.Context) (Page, error) {
	if h.slots != nil {
		select {
		case h.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for page slot: %w", ctx.Err())
		}
	}
	page, err := h.browser.NewPage(ctx)
	if err != nil {
		h.releaseSlot()
		return nil, fmt.Errorf("open page: %w", err)
	}
	h.mu.Lock()
	h.active[page.ID()] = struct{}{}
	h.mu.Unlock()
	return page, nil
}

// ClosePage closes a page obtained from OpenPage and frees its slot.
func (h *Handle) ClosePage(ctx context.Context, page Page) error {
	h.mu.Lock()
	_, tracked := h.active[page.ID()]
	delete(h.active, page.ID())
	h.mu.Unlock()
	if tracked {
		h.releaseSlot()
	}
	if err := page.Close(ctx); err != nil {
		return fmt.Errorf("close page %s: %w", page.ID(), err)
	}
	return nil
}

func (h *Handle) releaseSlot() {
	if h.slots == nil {
		return
	}
	select {
	case <-h.slots:
	default:
	}
}

// closeStrayPages closes every tab not borrowed by a live session.
func (h *Handle) closeStrayPages(ctx context.Context) (int, error) {
	ids, err := h.browser.PageIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}
	h.mu.Lock()
	stray := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, busy := h.active[id]; !busy {
			stray = append(stray, id)
		}
	}
	h.mu.Unlock()
	closed := 0
	for _, id := range stray {
		if err := h.browser.ClosePage(ctx, id); err != nil {
			return closed, fmt.Errorf("close page %s: %w", id, err)
		}
		closed++
	}
	return closed, nil
}
