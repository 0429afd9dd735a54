package session

import "strings"

// domainBlocklist matches hosts against exact names and suffix wildcards.
// A bare "example.com" entry also covers its subdomains, so
// "pagead2.googlesyndication.com" is caught by "googlesyndication.com".
type domainBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainBlocklist(patterns []string) *domainBlocklist {
	matcher := &domainBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *domainBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *domainBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	for candidate := host; ; {
		if _, exact := b.exact[candidate]; exact {
			return true
		}
		idx := strings.IndexByte(candidate, '.')
		if idx < 0 {
			break
		}
		candidate = candidate[idx+1:]
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// trackerDomains are analytics and ad hosts never worth loading for a
// content scrape.
var trackerDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googletagservices.com",
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"facebook.net",
	"connect.facebook.net",
	"adnxs.com",
	"adsrvr.org",
	"amazon-adsystem.com",
	"criteo.com",
	"criteo.net",
	"outbrain.com",
	"taboola.com",
	"moatads.com",
	"pubmatic.com",
	"rubiconproject.com",
	"scorecardresearch.com",
	"quantserve.com",
	"hotjar.com",
	"mixpanel.com",
	"segment.io",
	"segment.com",
	"analytics.twitter.com",
	"ads-twitter.com",
	"chartbeat.com",
	"chartbeat.net",
	"optimizely.com",
	"demdex.net",
	"krxd.net",
	"bluekai.com",
	"casalemedia.com",
	"openx.net",
	"bidswitch.net",
	"serving-sys.com",
	"rlcdn.com",
	"sharethis.com",
	"addthis.com",
	"consensu.org",
}
