package browser

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/proxy"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// AttemptFunc performs one launch. lease is nil for the direct attempt.
type AttemptFunc func(ctx context.Context, lease *proxy.Lease) (*Handle, error)

// RetryPolicy bounds proxy-backed launch attempts.
type RetryPolicy struct {
	// ProxyAttempts is the number of leases tried before the direct launch.
	// A failed lease fetch spends an attempt.
	ProxyAttempts int
	Country       string
	// Backoff returns the pause after a failed attempt; nil means none.
	Backoff func(attempt int) time.Duration
}

// RetryReport describes how a launch was obtained.
type RetryReport struct {
	ProxyAttempts int
	LeaseFailures int
	Direct        bool
	Errors        []error
}

const leaseReleaseTimeout = 5 * time.Second

// LaunchWithRetry runs the launch policy: up to policy.ProxyAttempts
// launches through freshly leased proxies, then a single launch without a
// proxy. Every lease is released right after the attempt that used it,
// whatever the outcome. A nil provider goes straight to the direct launch.
func LaunchWithRetry(
	ctx context.Context,
	proxies ProxyProvider,
	policy RetryPolicy,
	attempt AttemptFunc,
	logger *zap.Logger,
) (*Handle, RetryReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var report RetryReport
	if proxies != nil {
		for i := 1; i <= policy.ProxyAttempts; i++ {
			if err := ctx.Err(); err != nil {
				return nil, report, fmt.Errorf("%w: %w", scrape.ErrLaunchFailure, err)
			}
			report.ProxyAttempts = i
			h, err := launchWithLease(ctx, proxies, policy.Country, attempt, logger, i)
			if err == nil {
				return h, report, nil
			}
			var leaseErr *leaseError
			if errors.As(err, &leaseErr) {
				report.LeaseFailures++
			}
			report.Errors = append(report.Errors, err)
			logger.Warn("proxy launch attempt failed",
				zap.Int("attempt", i),
				zap.Int("max_attempts", policy.ProxyAttempts),
				zap.Error(err),
			)
			if i < policy.ProxyAttempts && policy.Backoff != nil {
				if err := sleepCtx(ctx, policy.Backoff(i)); err != nil {
					return nil, report, fmt.Errorf("%w: %w", scrape.ErrLaunchFailure, err)
				}
			}
		}
		logger.Warn("proxy attempts exhausted, launching without proxy",
			zap.Int("attempts", report.ProxyAttempts),
		)
	}
	if err := ctx.Err(); err != nil {
		return nil, report, fmt.Errorf("%w: %w", scrape.ErrLaunchFailure, err)
	}
	report.Direct = true
	h, err := attempt(ctx, nil)
	if err != nil {
		report.Errors = append(report.Errors, err)
		return nil, report, fmt.Errorf("%w: %w", scrape.ErrLaunchFailure, errors.Join(report.Errors...))
	}
	return h, report, nil
}

type leaseError struct{ err error }

func (e *leaseError) Error() string { return "lease proxy: " + e.err.Error() }
func (e *leaseError) Unwrap() error { return e.err }

func launchWithLease(
	ctx context.Context,
	proxies ProxyProvider,
	country string,
	attempt AttemptFunc,
	logger *zap.Logger,
	n int,
) (*Handle, error) {
	lease, err := proxies.Fetch(ctx, country)
	if err != nil {
		return nil, &leaseError{err: err}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := proxies.Release(releaseCtx, lease.ID); err != nil {
			logger.Warn("proxy lease release failed", zap.String("lease_id", lease.ID), zap.Error(err))
		}
	}()
	logger.Debug("launching through proxy",
		zap.Int("attempt", n),
		zap.String("lease_id", lease.ID),
		zap.String("proxy", lease.Redacted()),
	)
	return attempt(ctx, &lease)
}

// Backoff is a jittered exponential delay between launch attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
