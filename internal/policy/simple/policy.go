// Package simple contains the default page admission policy for sessions.
package simple

import (
	"net/url"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/extract"
)

// Policy admits same-crawl URLs up to a depth limit, skipping blocked hosts
// and paths that rarely carry contact details.
type Policy struct {
	maxDepth  int
	blocklist *crawler.DomainBlocklist
}

// New creates a Policy. A non-positive maxDepth disables the depth check.
func New(maxDepth int, blocklist *crawler.DomainBlocklist) *Policy {
	return &Policy{maxDepth: maxDepth, blocklist: blocklist}
}

// AllowFetch reports whether rawURL may be fetched at depth.
func (p *Policy) AllowFetch(_ string, rawURL string, depth int) bool {
	if p == nil {
		return true
	}
	if p.maxDepth > 0 && depth > p.maxDepth {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	if p.blocklist.IsBlocked(u.Hostname()) {
		return false
	}
	return !extract.SkipPath(u.Path)
}
