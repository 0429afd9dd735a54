package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/proxy"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Config controls Manager behavior.
type Config struct {
	LaunchTimeout     time.Duration
	ProbeTimeout      time.Duration
	KeepAliveInterval time.Duration
	// MaxIdle retires a handle nobody acquired for this long. Zero keeps it
	// forever.
	MaxIdle       time.Duration
	ProxyAttempts int
	ProxyCountry  string
	RetryDelay    time.Duration
	// MaxPages caps concurrent pages per browser; zero means no cap.
	MaxPages   int
	UserAgents []string
}

func (c Config) withDefaults() Config {
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ProxyAttempts <= 0 {
		c.ProxyAttempts = 3
	}
	if c.ProxyCountry == "" {
		c.ProxyCountry = "us"
	}
	return c
}

// Manager hands out the worker's single shared browser, creating it on
// demand and rebuilding it after it dies.
type Manager struct {
	launcher   Launcher
	proxies    ProxyProvider
	forwarders ForwarderFactory
	ids        scrape.IDGenerator
	clock      scrape.Clock
	cfg        Config
	logger     *zap.Logger

	life       context.Context
	lifeCancel context.CancelFunc
	group      singleflight.Group
	keepAlives sync.WaitGroup
	seq        atomic.Int64

	mu            sync.Mutex
	current       *Handle
	stopKeepAlive context.CancelFunc
	closed        bool
}

// New constructs a Manager. proxies may be nil, in which case every launch
// is direct. forwarders defaults to the loopback forwarder in package proxy.
func New(
	launcher Launcher,
	proxies ProxyProvider,
	forwarders ForwarderFactory,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if forwarders == nil {
		fwdLogger := logger.Named("forwarder")
		forwarders = func(upstream string) (Forwarder, error) {
			return proxy.NewForwarder(upstream, fwdLogger)
		}
	}
	life, cancel := context.WithCancel(context.Background())
	return &Manager{
		launcher:   launcher,
		proxies:    proxies,
		forwarders: forwarders,
		ids:        ids,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		life:       life,
		lifeCancel: cancel,
	}
}

// Acquire returns the live shared browser, launching one if none is cached
// or the cached one fails its probe. Concurrent callers share one launch.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	if h := m.cached(); h != nil {
		err := m.probe(ctx, h)
		switch {
		case err == nil:
			if m.claim(h) {
				return h, nil
			}
			// Retired while the probe ran; fall through to a fresh launch.
		case ctx.Err() != nil:
			return nil, fmt.Errorf("acquire browser: %w", ctx.Err())
		default:
			m.logger.Warn("cached browser failed probe, replacing",
				zap.String("session_id", h.SessionID()),
				zap.Error(err),
			)
			metrics.ObserveProbeFailure()
			m.evict(h, "probe failed")
		}
	}

	ch := m.group.DoChan("browser", func() (any, error) {
		if h := m.cached(); h != nil {
			return h, nil
		}
		h, err := m.create(m.life)
		if err != nil {
			return nil, err
		}
		if err := m.install(h); err != nil {
			return nil, err
		}
		return h, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("acquire browser: %w", res.Err)
		}
		h, ok := res.Val.(*Handle)
		if !ok {
			return nil, errors.New("acquire browser: unexpected launch result")
		}
		m.claim(h)
		return h, nil
	}
}

// Release closes pages left behind on h without stopping the process.
// Pages still borrowed by running sessions are left alone.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	closed, err := h.closeStrayPages(ctx)
	if closed > 0 {
		m.logger.Debug("closed stray pages",
			zap.String("session_id", h.SessionID()),
			zap.Int("count", closed),
		)
	}
	if err != nil {
		return fmt.Errorf("release browser: %w", err)
	}
	return nil
}

// Shutdown stops the keep-alive, aborts any launch in flight and closes the
// cached browser and its proxy forwarder. It is idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.current
	m.current = nil
	stop := m.stopKeepAlive
	m.stopKeepAlive = nil
	m.mu.Unlock()

	m.lifeCancel()
	if stop != nil {
		stop()
	}
	done := make(chan struct{})
	go func() {
		m.keepAlives.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("keep-alive did not stop before shutdown deadline")
	}
	if h == nil {
		return nil
	}
	m.logger.Info("shutting down browser", zap.String("session_id", h.SessionID()))
	return m.destroy(ctx, h)
}

// Current returns the cached handle without probing it. Used by readiness
// checks.
func (m *Manager) Current() *Handle {
	return m.cached()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) cached() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now()
}

func (m *Manager) probe(ctx context.Context, h *Handle) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if _, err := h.browser.Version(probeCtx); err != nil {
		return fmt.Errorf("%w: %w", scrape.ErrProbeFailure, err)
	}
	return nil
}

func (m *Manager) create(ctx context.Context) (*Handle, error) {
	policy := RetryPolicy{
		ProxyAttempts: m.cfg.ProxyAttempts,
		Country:       m.cfg.ProxyCountry,
	}
	if m.cfg.RetryDelay > 0 {
		policy.Backoff = Backoff{Base: m.cfg.RetryDelay}.Delay
	}
	start := m.now()
	h, report, err := LaunchWithRetry(ctx, m.proxies, policy, m.launchOnce, m.logger)
	metrics.ObserveProxyAttempts(report.ProxyAttempts, report.LeaseFailures)
	if err != nil {
		metrics.ObserveLaunch("failed", m.now().Sub(start))
		m.logger.Error("browser launch failed",
			zap.Int("proxy_attempts", report.ProxyAttempts),
			zap.Error(err),
		)
		return nil, err
	}
	mode := "proxy"
	if report.Direct {
		mode = "direct"
	}
	metrics.ObserveLaunch(mode, m.now().Sub(start))
	m.logger.Info("browser launched",
		zap.String("session_id", h.SessionID()),
		zap.String("mode", mode),
		zap.Int("proxy_attempts", report.ProxyAttempts),
		zap.String("proxy", h.Proxy()),
	)
	return h, nil
}

func (m *Manager) launchOnce(ctx context.Context, lease *proxy.Lease) (*Handle, error) {
	opts := LaunchOptions{
		Flags:     HardeningFlags(),
		UserAgent: RandomUserAgent(m.cfg.UserAgents),
		Timeout:   m.cfg.LaunchTimeout,
	}
	var (
		fwd      Forwarder
		upstream string
	)
	if lease != nil {
		var err error
		fwd, err = m.forwarders(lease.URL)
		if err != nil {
			return nil, fmt.Errorf("start proxy forwarder: %w", err)
		}
		opts.ProxyServer = fwd.URL()
		upstream = lease.Redacted()
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancel()
	b, err := m.launcher.Launch(launchCtx, opts)
	if err != nil {
		if fwd != nil {
			if cerr := fwd.Close(); cerr != nil {
				m.logger.Debug("close forwarder after failed launch", zap.Error(cerr))
			}
		}
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return newHandle(m.sessionID(), b, fwd, upstream, m.now(), m.cfg.MaxPages), nil
}

func (m *Manager) sessionID() string {
	if m.ids != nil {
		if id, err := m.ids.NewID(); err == nil {
			return id
		}
	}
	return fmt.Sprintf("browser-%d", m.seq.Add(1))
}

func (m *Manager) install(h *Handle) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		defer cancel()
		if err := m.destroy(ctx, h); err != nil {
			m.logger.Warn("close browser launched during shutdown", zap.Error(err))
		}
		return ErrManagerClosed
	}
	m.current = h
	var kaCtx context.Context
	if m.cfg.KeepAliveInterval > 0 {
		kaCtx, m.stopKeepAlive = context.WithCancel(m.life)
		m.keepAlives.Add(1)
	}
	m.mu.Unlock()
	metrics.SetBrowserUp(true)
	if kaCtx != nil {
		go m.keepAlive(kaCtx, h)
	}
	return nil
}

// claim marks h used if it is still the cached handle. Touching under mu
// orders it against the idle check in retireIdle.
func (m *Manager) claim(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != h {
		return false
	}
	h.touch(m.now())
	return true
}

func (m *Manager) idle(h *Handle) bool {
	return h.ActivePages() == 0 && m.now().Sub(h.LastUsed()) > m.cfg.MaxIdle
}

// evict drops h if it is still the cached handle and closes it.
func (m *Manager) evict(h *Handle, reason string) {
	m.evictIf(h, reason, nil)
}

// retireIdle evicts h only if it is still idle once mu is held.
func (m *Manager) retireIdle(h *Handle) bool {
	return m.evictIf(h, "idle", m.idle)
}

func (m *Manager) evictIf(h *Handle, reason string, cond func(*Handle) bool) bool {
	m.mu.Lock()
	if m.current != h || (cond != nil && !cond(h)) {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	stop := m.stopKeepAlive
	m.stopKeepAlive = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	metrics.SetBrowserUp(false)
	m.logger.Info("evicting browser",
		zap.String("session_id", h.SessionID()),
		zap.String("reason", reason),
	)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	if err := m.destroy(ctx, h); err != nil {
		m.logger.Debug("close evicted browser", zap.Error(err))
	}
	return true
}

func (m *Manager) destroy(ctx context.Context, h *Handle) error {
	var errs []error
	if err := h.browser.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	if h.forwarder != nil {
		if err := h.forwarder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close forwarder: %w", err))
		}
	}
	metrics.SetBrowserUp(false)
	return errors.Join(errs...)
}

func (m *Manager) keepAlive(ctx context.Context, h *Handle) {
	defer m.keepAlives.Done()
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.cfg.MaxIdle > 0 && m.idle(h) && m.retireIdle(h) {
			return
		}
		if err := m.ping(ctx, h); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ObserveKeepAliveFailure()
			m.logger.Warn("keep-alive failed", zap.String("session_id", h.SessionID()), zap.Error(err))
			m.evict(h, "keep-alive failed")
			return
		}
	}
}

// ping opens and closes a blank tab to catch a browser that died silently.
func (m *Manager) ping(ctx context.Context, h *Handle) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*m.cfg.ProbeTimeout)
	defer cancel()
	page, err := h.browser.NewPage(pingCtx)
	if err != nil {
		return fmt.Errorf("%w: open page: %w", scrape.ErrProbeFailure, err)
	}
	navErr := page.Navigate(pingCtx, "about:blank")
	closeErr := page.Close(pingCtx)
	if navErr != nil {
		return fmt.Errorf("%w: navigate: %w", scrape.ErrProbeFailure, navErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close page: %w", scrape.ErrProbeFailure, closeErr)
	}
	return nil
}
