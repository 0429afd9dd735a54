package scrape

import "errors"

// Failure kinds surfaced by the browser, page and wait layers. Callers
// classify with errors.Is.
var (
	// ErrLaunchFailure means no browser could be started, even after the
	// proxy retries and the direct fallback.
	ErrLaunchFailure = errors.New("browser launch failed")
	// ErrProbeFailure means a cached browser did not answer its liveness
	// check. It never leaves the browser manager.
	ErrProbeFailure = errors.New("browser probe failed")
	// ErrNavigationTimeout means the page did not load within its budget.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrNavigation covers navigation failures other than timeouts, such as
	// DNS or connection errors.
	ErrNavigation = errors.New("navigation failed")
	// ErrExtraction means in-page evaluation failed.
	ErrExtraction = errors.New("extraction failed")
	// ErrDiscoveryTimeout means no content container appeared in time.
	ErrDiscoveryTimeout = errors.New("content container not found")
	// ErrJobNotFound is returned by job stores for unknown IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by job stores on duplicate creates.
	ErrJobExists = errors.New("job already exists")
)

// FailureReason maps an error onto a short, stable label for metrics and
// result messages.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLaunchFailure):
		return "launch_failure"
	case errors.Is(err, ErrNavigationTimeout):
		return "navigation_timeout"
	case errors.Is(err, ErrNavigation):
		return "navigation_error"
	case errors.Is(err, ErrDiscoveryTimeout):
		return "discovery_timeout"
	case errors.Is(err, ErrExtraction):
		return "extraction_error"
	default:
		return "internal_error"
	}
}
