package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Sitemap is a parsed sitemap.xml. Index files list child sitemaps in
// Children instead of page URLs.
type Sitemap struct {
	URLs     []string
	Children []string
}

// ParseSitemap reads a urlset or sitemapindex document.
func ParseSitemap(body []byte) (Sitemap, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return Sitemap{}, fmt.Errorf("parse sitemap: %w", err)
	}
	var sm Sitemap
	entries, err := xmlquery.QueryAll(doc, "//*[local-name()='sitemap']/*[local-name()='loc']")
	if err != nil {
		return Sitemap{}, fmt.Errorf("query sitemap index: %w", err)
	}
	for _, n := range entries {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			sm.Children = append(sm.Children, loc)
		}
	}
	urls, err := xmlquery.QueryAll(doc, "//*[local-name()='url']/*[local-name()='loc']")
	if err != nil {
		return Sitemap{}, fmt.Errorf("query sitemap urls: %w", err)
	}
	for _, n := range urls {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			sm.URLs = append(sm.URLs, loc)
		}
	}
	if len(sm.URLs) == 0 && len(sm.Children) == 0 && xmlquery.FindOne(doc, "//*[local-name()='urlset' or local-name()='sitemapindex']") == nil {
		return Sitemap{}, fmt.Errorf("parse sitemap: no urlset or sitemapindex root")
	}
	return sm, nil
}

// PrioritizeSitemap orders keyword URLs first, keeping the original order
// within each group, drops duplicates and caps the result at limit
// (limit <= 0 means no cap).
func PrioritizeSitemap(urls []string, limit int) []string {
	seen := make(map[string]struct{}, len(urls))
	var preferred, rest []string
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if HasKeyword(u) {
			preferred = append(preferred, u)
		} else {
			rest = append(rest, u)
		}
	}
	out := append(preferred, rest...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
