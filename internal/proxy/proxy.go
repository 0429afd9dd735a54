// Package proxy leases upstream proxies and exposes them to the browser
// through a local, credential-free forwarding endpoint.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// Lease is a proxy borrowed for a single browser creation attempt.
type Lease struct {
	ID  string
	URL string
}

// Redacted returns the lease URL without credentials, for logging.
func (l Lease) Redacted() string {
	u, err := url.Parse(l.URL)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

// ErrNoProxies is returned by providers with nothing to hand out.
var ErrNoProxies = errors.New("no proxies available")

// Static hands out a fixed list of proxy URLs round-robin. Release is a
// no-op. It is meant for local runs without a proxy API.
type Static struct {
	mu   sync.Mutex
	urls []string
	next int
}

// NewStatic builds a Static provider.
func NewStatic(urls []string) *Static {
	cp := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			cp = append(cp, u)
		}
	}
	return &Static{urls: cp}
}

// Fetch returns the next proxy in the list.
func (s *Static) Fetch(_ context.Context, _ string) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.urls) == 0 {
		return Lease{}, ErrNoProxies
	}
	idx := s.next % len(s.urls)
	s.next++
	return Lease{ID: fmt.Sprintf("static-%d", idx), URL: s.urls[idx]}, nil
}

// Release does nothing; static proxies are never locked.
func (s *Static) Release(context.Context, string) error {
	return nil
}
