// Package waiter decides when a streamed, chat-style answer on a page has
// finished rendering by polling the DOM until one of several settle
// signals fires.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Page is the slice of a browser page the waiter needs.
type Page interface {
	Evaluate(ctx context.Context, expression string, out any) error
	URL(ctx context.Context) (string, error)
}

// Clock abstracts time so the state machine runs under a fake clock in
// tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// State is the waiter's position in its lifecycle.
type State int

// Waiter states.
const (
	Searching State = iota
	Polling
	Done
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Polling:
		return "polling"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Reason summarizes how a wait ended.
type Reason string

// Wait end reasons.
const (
	ReasonCompleted Reason = "completed"
	ReasonTimeout   Reason = "timeout"
	ReasonError     Reason = "error"
)

// Signal is the settle condition that ended a successful wait.
type Signal string

// Settle signals, in priority order.
const (
	SignalCompletedMarker Signal = "completed-marker"
	SignalQuietPeriod     Signal = "quiet-period"
	SignalStable          Signal = "stable"
	SignalNoChange        Signal = "no-change"
)

// Config holds the waiter's timing knobs.
type Config struct {
	MaxWait           time.Duration
	Interval          time.Duration
	DiscoveryTimeout  time.Duration
	QuietPeriod       time.Duration
	StableThreshold   int
	NoChangeThreshold int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MaxWait:           120 * time.Second,
		Interval:          200 * time.Millisecond,
		DiscoveryTimeout:  5 * time.Second,
		QuietPeriod:       2 * time.Second,
		StableThreshold:   4,
		NoChangeThreshold: 15,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = d.QuietPeriod
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = d.StableThreshold
	}
	if c.NoChangeThreshold <= 0 {
		c.NoChangeThreshold = d.NoChangeThreshold
	}
	return c
}

// Result is the outcome of one Wait call.
type Result struct {
	State   State
	Profile Profile
	Content string
	Chunks  []string
	Elapsed time.Duration
	Reason  Reason
	Signal  Signal
}

// Waiter polls pages for settled content.
type Waiter struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger
}

// New builds a Waiter. Zero Config fields take DefaultConfig values.
func New(cfg Config, clock Clock, logger *zap.Logger) *Waiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Waiter{cfg: cfg.withDefaults(), clock: clock, logger: logger}
}

// tracker is the per-call stabilization state.
type tracker struct {
	lastContent string
	lastHeight  int
	stable      int
	noChange    int
	start       time.Time
	lastChange  time.Time
	chunks      []string
}

func (t *tracker) observe(s snapshot, now time.Time) {
	if s.Content != "" && s.Content != t.lastContent {
		chunk := s.Content
		if strings.HasPrefix(s.Content, t.lastContent) {
			chunk = s.Content[len(t.lastContent):]
		}
		if strings.TrimSpace(chunk) != "" {
			t.chunks = append(t.chunks, chunk)
		}
		t.lastContent = s.Content
		t.lastChange = now
		t.stable = 0
		t.noChange = 0
	} else {
		t.noChange++
		if s.Height == t.lastHeight {
			t.stable++
		}
	}
	t.lastHeight = s.Height
}

func (w *Waiter) settled(t *tracker, s snapshot, now time.Time) (Signal, bool) {
	switch {
	case s.Completed:
		return SignalCompletedMarker, true
	case !s.generating() && !s.Spinner && s.Content != "" && now.Sub(t.lastChange) > w.cfg.QuietPeriod:
		return SignalQuietPeriod, true
	case t.stable >= w.cfg.StableThreshold && !s.Typing && !s.Stop:
		return SignalStable, true
	case t.noChange > w.cfg.NoChangeThreshold && s.Content != "" && !s.generating():
		return SignalNoChange, true
	}
	return "", false
}

// Wait polls page until its streamed answer settles or MaxWait passes. An
// empty profile is detected from the page. A timeout is not an error: the
// partial content comes back with State TimedOut. Discovery and evaluation
// failures return State Failed together with an error.
func (w *Waiter) Wait(ctx context.Context, page Page, profile Profile) (Result, error) {
	if !profile.Valid() {
		profile = w.Detect(ctx, page)
	}
	sel := SelectorsFor(profile)
	now := w.clock.Now()
	t := &tracker{start: now, lastChange: now}
	logger := w.logger.With(zap.String("profile", string(profile)))

	res, err := w.run(ctx, page, sel, t, logger)
	res.Profile = profile
	res.Content = t.lastContent
	res.Chunks = t.chunks
	res.Elapsed = w.clock.Now().Sub(t.start)
	metrics.ObserveWait(string(profile), res.State.String(), string(res.Signal))
	logger.Debug("wait finished",
		zap.String("state", res.State.String()),
		zap.String("signal", string(res.Signal)),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("chunks", len(t.chunks)),
		zap.Int("content_length", len(t.lastContent)),
	)
	return res, err
}

func (w *Waiter) run(ctx context.Context, page Page, sel Selectors, t *tracker, logger *zap.Logger) (Result, error) {
	if err := w.discover(ctx, page, sel, t.start); err != nil {
		return Result{State: Failed, Reason: ReasonError}, err
	}
	logger.Debug("answer container found", zap.Stringer("state", Polling))

	script, err := call(snapshotScript, sel)
	if err != nil {
		return Result{State: Failed, Reason: ReasonError}, err
	}
	for {
		now := w.clock.Now()
		if now.Sub(t.start) >= w.cfg.MaxWait {
			return Result{State: TimedOut, Reason: ReasonTimeout}, nil
		}
		var snap snapshot
		if err := page.Evaluate(ctx, script, &snap); err != nil {
			if ctx.Err() != nil {
				return Result{State: Failed, Reason: ReasonError}, fmt.Errorf("poll answer: %w", ctx.Err())
			}
			return Result{State: Failed, Reason: ReasonError}, wrapExtraction(err)
		}
		t.observe(snap, now)
		if signal, ok := w.settled(t, snap, now); ok {
			return Result{State: Done, Reason: ReasonCompleted, Signal: signal}, nil
		}
		if err := w.clock.Sleep(ctx, w.cfg.Interval); err != nil {
			return Result{State: Failed, Reason: ReasonError}, fmt.Errorf("poll answer: %w", err)
		}
	}
}

// discover waits until the answer container or, failing that, the input
// field exists. The whole search shares one DiscoveryTimeout budget.
func (w *Waiter) discover(ctx context.Context, page Page, sel Selectors, start time.Time) error {
	candidates := []string{sel.Container}
	if sel.Input != "" {
		candidates = append(candidates, sel.Input)
	}
	scripts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		s, err := call(presentScript, c)
		if err != nil {
			return err
		}
		scripts = append(scripts, s)
	}
	for {
		for _, s := range scripts {
			var found bool
			if err := page.Evaluate(ctx, s, &found); err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("discover answer container: %w", ctx.Err())
				}
				return wrapExtraction(err)
			}
			if found {
				return nil
			}
		}
		if w.clock.Now().Sub(start) >= w.cfg.DiscoveryTimeout {
			return fmt.Errorf("%w: none of %q appeared within %s", scrape.ErrDiscoveryTimeout, candidates, w.cfg.DiscoveryTimeout)
		}
		if err := w.clock.Sleep(ctx, w.cfg.Interval); err != nil {
			return fmt.Errorf("discover answer container: %w", err)
		}
	}
}

// Detect picks a profile from the page's host, then from DOM fingerprints,
// then falls back to Generic.
func (w *Waiter) Detect(ctx context.Context, page Page) Profile {
	if raw, err := page.URL(ctx); err == nil {
		if u, err := url.Parse(raw); err == nil {
			if p, ok := DetectHost(u.Hostname()); ok {
				return p
			}
		}
	}
	script, err := call(fingerprintScript, fingerprints)
	if err != nil {
		return Generic
	}
	var found string
	if err := page.Evaluate(ctx, script, &found); err != nil {
		w.logger.Debug("profile fingerprinting failed", zap.Error(err))
		return Generic
	}
	if p := Profile(found); p.Valid() {
		return p
	}
	return Generic
}

// WaitReady blocks until the profile's input field is enabled and its send
// button is not disabled. Profiles without those controls are ready at once.
func (w *Waiter) WaitReady(ctx context.Context, page Page, profile Profile, timeout time.Duration) error {
	if !profile.Valid() {
		profile = w.Detect(ctx, page)
	}
	sel := SelectorsFor(profile)
	if sel.Input == "" && sel.Send == "" {
		return nil
	}
	script, err := call(readyScript, sel)
	if err != nil {
		return err
	}
	start := w.clock.Now()
	for {
		var ready bool
		if err := page.Evaluate(ctx, script, &ready); err != nil {
			return wrapExtraction(err)
		}
		if ready {
			return nil
		}
		if w.clock.Now().Sub(start) >= timeout {
			return fmt.Errorf("%w: %s input not ready within %s", scrape.ErrDiscoveryTimeout, profile, timeout)
		}
		if err := w.clock.Sleep(ctx, w.cfg.Interval); err != nil {
			return fmt.Errorf("wait for input: %w", err)
		}
	}
}

func wrapExtraction(err error) error {
	if errors.Is(err, scrape.ErrExtraction) {
		return err
	}
	return fmt.Errorf("%w: %w", scrape.ErrExtraction, err)
}
