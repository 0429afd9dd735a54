package session

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
)

// BlockPolicy decides which page sub-requests are aborted.
type BlockPolicy struct {
	// ResourceTypes are CDP resource types, compared case-insensitively.
	ResourceTypes []string
	// Domains are hosts whose requests, subdomains included, are aborted.
	// "*.example.com" and ".example.com" are accepted as well.
	Domains []string
	// URLContains aborts any request whose URL contains one of the values.
	URLContains []string
}

// DefaultBlockPolicy drops styling, fonts, images and known trackers.
func DefaultBlockPolicy() BlockPolicy {
	return BlockPolicy{
		ResourceTypes: []string{"Stylesheet", "Font", "Image"},
		Domains:       append([]string(nil), trackerDomains...),
		URLContains:   []string{"google-analytics"},
	}
}

// Filter compiles the policy into a browser.RequestFilter.
func (p BlockPolicy) Filter() browser.RequestFilter {
	types := make(map[string]struct{}, len(p.ResourceTypes))
	for _, t := range p.ResourceTypes {
		types[strings.ToLower(t)] = struct{}{}
	}
	domains := newDomainBlocklist(p.Domains)
	substrings := make([]string, 0, len(p.URLContains))
	for _, s := range p.URLContains {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			substrings = append(substrings, s)
		}
	}

	return func(req browser.Request) bool {
		reason := blockReason(req, types, domains, substrings)
		if reason == "" {
			return false
		}
		metrics.ObserveBlockedRequest(reason)
		return true
	}
}

func blockReason(req browser.Request, types map[string]struct{}, domains *domainBlocklist, substrings []string) string {
	if _, ok := types[strings.ToLower(req.ResourceType)]; ok {
		return "resource_type"
	}
	lowered := strings.ToLower(req.URL)
	for _, s := range substrings {
		if strings.Contains(lowered, s) {
			return "url"
		}
	}
	if domains != nil {
		if u, err := url.Parse(req.URL); err == nil && domains.IsBlocked(u.Hostname()) {
			return "domain"
		}
	}
	return ""
}
